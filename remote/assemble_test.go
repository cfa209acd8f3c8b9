package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssemble_SingleArg(t *testing.T) {
	require.Equal(t, "bash -c whoami", Assemble([]string{"whoami"}))
}

func TestAssemble_QuotesLiteralsAndPassesControlTokens(t *testing.T) {
	got := Assemble([]string{"echo", "a b", "&&", "echo", "c"})
	require.Equal(t, `bash -c 'echo '"'"'a b'"'"' && echo c'`, got)
}

func TestAssemble_Redirection(t *testing.T) {
	require.Equal(t, `bash -c 'cat > hosts'`, Assemble([]string{"cat", ">", "hosts"}))
}

func TestAssemble_StderrRedirect(t *testing.T) {
	got := Assemble([]string{"git", "-C", "eintopf", "pull", "2>&1"})
	require.Equal(t, `bash -c 'git -C eintopf pull 2>&1'`, got)
}

func TestAssemble_QuotesNonAllowlistedShellCharacters(t *testing.T) {
	// A lone ampersand is not a control token and must become a literal.
	got := Assemble([]string{"echo", "&"})
	require.Contains(t, got, `'&'`)
}
