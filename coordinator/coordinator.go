package coordinator

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Octogonapus/EintopfBenchmark/cluster"
	"github.com/Octogonapus/EintopfBenchmark/workload"
	"github.com/alitto/pond"
)

// A Result is one node's captured benchmark run.
type Result struct {
	Index  int
	Addr   string
	Stdout string
	Stderr string
	Status int
	// Set when the command could not be executed at all (transport failure).
	Err error
}

func (r *Result) Failed() bool {
	return r.Err != nil || r.Status != 0
}

type Coordinator struct {
	pool *pond.WorkerPool
}

func New(pool *pond.WorkerPool) *Coordinator {
	return &Coordinator{pool: pool}
}

// Run launches the workload on every node concurrently, each invocation
// parameterized with the node's partition index, and collects per-node output.
// Per-node failures are carried in the results, not returned as an error, so
// one broken node does not stop collection from the others. Results are ordered
// by partition index regardless of completion order.
func (c *Coordinator) Run(nodes []*cluster.Node, manifestPath string, w workload.Workload) []Result {
	slog.Info("benchmark running", slog.String("workload", w.GetName()), slog.String("start", time.Now().Format(time.Kitchen)))

	resultCh := make(chan Result, len(nodes))
	group := c.pool.Group()
	for _, node := range nodes {
		group.Submit(func() {
			resultCh <- runNode(node, manifestPath, w)
		})
	}
	group.Wait()
	close(resultCh)

	results := make([]Result, 0, len(nodes))
	for r := range resultCh {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func runNode(node *cluster.Node, manifestPath string, w workload.Workload) Result {
	slog.Debug("starting benchmark on node", slog.Int("partition", node.Index), slog.String("addr", node.PublicAddr))
	out, err := node.Session.Run(w.Command(node.Index, manifestPath)...)
	if err != nil {
		return Result{Index: node.Index, Addr: node.PublicAddr, Err: err}
	}
	return Result{
		Index:  node.Index,
		Addr:   node.PublicAddr,
		Stdout: out.Stdout,
		Stderr: out.Stderr,
		Status: out.Status,
	}
}

// ArtifactName is deterministic for a given distribution and fleet size so
// repeated sweeps overwrite rather than accumulate.
func ArtifactName(prefix string, dist workload.Distribution, fleetSize int) string {
	return fmt.Sprintf("%s.%s.%dh.log", prefix, dist, fleetSize)
}

// WriteArtifact concatenates successful nodes' stdout, in partition-index
// order, into one file. Failures and warnings go to the log stream only; the
// artifact never carries orchestration diagnostics.
func WriteArtifact(results []Result, name string) error {
	var buf bytes.Buffer
	for _, r := range results {
		if r.Err != nil {
			slog.Error("node failed to run benchmark",
				slog.String("addr", r.Addr),
				slog.Int("partition", r.Index),
				slog.String("error", r.Err.Error()),
			)
			continue
		}
		if r.Status != 0 {
			slog.Error("node failed to run benchmark",
				slog.String("addr", r.Addr),
				slog.Int("partition", r.Index),
				slog.Int("status", r.Status),
				slog.String("stderr", indent(r.Stderr)),
			)
			continue
		}
		if len(r.Stderr) > 0 {
			slog.Warn("node reported diagnostics",
				slog.String("addr", r.Addr),
				slog.Int("partition", r.Index),
				slog.String("stderr", indent(r.Stderr)),
			)
		}
		buf.WriteString(r.Stdout)
	}
	return os.WriteFile(name, buf.Bytes(), 0o644)
}

func indent(stderr string) string {
	return " > " + strings.ReplaceAll(strings.TrimRight(stderr, "\n"), "\n", "\n > ")
}
