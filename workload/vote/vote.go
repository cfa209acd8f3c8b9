// Package vote carries the distributed eintopf vote benchmark: each node runs
// one eintopf client against its own partition of the article keyspace.
package vote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Octogonapus/EintopfBenchmark/remote"
	"github.com/Octogonapus/EintopfBenchmark/util"
	"github.com/Octogonapus/EintopfBenchmark/workload"
	"github.com/hashicorp/go-version"
	"github.com/mitchellh/mapstructure"
)

const binaryPath = "eintopf/target/release/eintopf"

// The zipf exponent used when keys are skewed.
const skewedDist = "zipf:1.08"

type wload struct {
	input    *VoteWorkloadInput
	minCargo *version.Version
}

type VoteWorkloadInput struct {
	Name     string
	Articles int
	// Benchmark runtime in seconds.
	Runtime      int
	Distribution string
	Workers      int
	// The oldest cargo the eintopf build is known to work with.
	MinCargoVersion string
}

func init() {
	workload.RegisterWorkload("vote", func(a map[string]any) (workload.Workload, error) {
		input := &VoteWorkloadInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to VoteWorkloadInput: %w", err)
		}
		return NewVoteWorkload(input)
	})
}

func NewVoteWorkload(input *VoteWorkloadInput) (workload.Workload, error) {
	if input.Articles == 0 {
		input.Articles = 100000
	}
	if input.Runtime == 0 {
		input.Runtime = 60
	}
	if input.Workers == 0 {
		input.Workers = 12
	}
	if input.MinCargoVersion == "" {
		input.MinCargoVersion = "1.40.0"
	}
	dist := workload.Distribution(input.Distribution)
	if dist != workload.Uniform && dist != workload.Skewed {
		return nil, fmt.Errorf("distribution must be %s or %s, got %q", workload.Uniform, workload.Skewed, input.Distribution)
	}
	minCargo, err := version.NewVersion(input.MinCargoVersion)
	if err != nil {
		return nil, fmt.Errorf("can't parse minimum cargo version: %w", err)
	}
	return &wload{input: input, minCargo: minCargo}, nil
}

// Bootstrap updates and rebuilds eintopf on one node.
func (w *wload) Bootstrap(ctx context.Context, s remote.Session) error {
	if err := w.checkToolchain(s); err != nil {
		return err
	}

	slog.Debug("building eintopf on node")
	steps := [][]string{
		{"git", "-C", "eintopf", "reset", "--hard", "2>&1"},
		{"git", "-C", "eintopf", "pull", "2>&1"},
		{"cd", "eintopf", "&&", "cargo", "b", "--release"},
	}
	for _, argv := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.Run(argv...)
		if err != nil {
			return err
		}
		if !out.Ok() {
			return fmt.Errorf("%s failed: %s", strings.Join(argv, " "), strings.TrimSpace(out.Stderr))
		}
	}
	return nil
}

func (w *wload) checkToolchain(s remote.Session) error {
	out, err := s.Run("cargo", "--version")
	if err != nil {
		return err
	}
	if !out.Ok() {
		return fmt.Errorf("cargo is not usable: %s", strings.TrimSpace(out.Stderr))
	}

	// "cargo 1.70.0 (ec8a8a0ca 2023-04-25)"
	fields := strings.Fields(out.Stdout)
	if len(fields) < 2 {
		return fmt.Errorf("can't parse cargo version from %q", strings.TrimSpace(out.Stdout))
	}
	have, err := version.NewVersion(fields[1])
	if err != nil {
		return fmt.Errorf("can't parse cargo version from %q: %w", strings.TrimSpace(out.Stdout), err)
	}
	if have.LessThan(w.minCargo) {
		return fmt.Errorf("cargo %s is older than the required %s", have, w.minCargo)
	}
	return nil
}

func (w *wload) Command(partition int, manifestPath string) []string {
	dist := string(workload.Uniform)
	if w.Distribution() == workload.Skewed {
		dist = skewedDist
	}
	return []string{
		"env", "RUST_BACKTRACE=1", binaryPath,
		"--workers", strconv.Itoa(w.input.Workers),
		"-a", strconv.Itoa(w.input.Articles),
		"-r", strconv.Itoa(w.input.Runtime),
		"-d", dist,
		"-h", manifestPath,
		"-p", strconv.Itoa(partition),
	}
}

func (w *wload) Distribution() workload.Distribution {
	return workload.Distribution(w.input.Distribution)
}

func (w *wload) ArtifactPrefix() string {
	return fmt.Sprintf("eintopf-%ds", w.input.Workers)
}

func (w *wload) GetName() string {
	return w.input.Name
}

func (w *wload) GetInput() map[string]any {
	return util.StructMap(w.input)
}
