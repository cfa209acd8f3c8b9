package remote

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
)

// Tokens that pass through unescaped so callers can compose pipelines and
// redirections intentionally. Everything else is quoted as a single literal.
var controlTokens = map[string]bool{
	"&&":   true,
	"<":    true,
	">":    true,
	"2>":   true,
	"2>&1": true,
	"|":    true,
}

// Assemble joins argv into a single command line and wraps it so it runs under
// a Bourne shell regardless of the node's login shell.
func Assemble(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if controlTokens[arg] {
			parts[i] = arg
		} else {
			parts[i] = shellescape.Quote(arg)
		}
	}
	line := strings.Join(parts, " ")
	return fmt.Sprintf("bash -c %s", shellescape.Quote(line))
}
