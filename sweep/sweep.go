package sweep

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/Octogonapus/EintopfBenchmark/cluster"
	"github.com/Octogonapus/EintopfBenchmark/coordinator"
	"github.com/Octogonapus/EintopfBenchmark/membership"
	"github.com/Octogonapus/EintopfBenchmark/workload"
)

// Config is immutable for the whole sweep.
type Config struct {
	// Number of machines to spawn at a scale factor of 1.
	BaseCount    int
	MachineClass string
	// The well-known path on every node the manifest is written to, and the
	// path the benchmark is told to read it from.
	ManifestPath string
	// The port nodes use to reach each other.
	ManifestPort int
	// Where artifacts are written. Empty means the working directory.
	OutputDir string
	Workload  workload.Workload
}

type Orchestrator struct {
	cfg         *Config
	provisioner *cluster.Provisioner
	distributor *membership.Distributor
	coordinator *coordinator.Coordinator
	// Set at most once by an external interrupt; checked only between iterations.
	stop *atomic.Bool
}

func New(cfg *Config, p *cluster.Provisioner, d *membership.Distributor, c *coordinator.Coordinator, stop *atomic.Bool) *Orchestrator {
	return &Orchestrator{cfg: cfg, provisioner: p, distributor: d, coordinator: c, stop: stop}
}

// Sweep runs one benchmark iteration per scale factor. Malformed factors are
// skipped with a diagnostic. An iteration failure aborts that iteration only;
// the sweep continues with the remaining factors. The stop flag is honored
// between iterations, so an in-flight iteration always finishes.
func (o *Orchestrator) Sweep(ctx context.Context, scaleFactors []string) {
	for _, factor := range scaleFactors {
		scale, err := strconv.Atoi(factor)
		if err != nil || scale <= 0 {
			slog.Warn("ignoring malformed scale factor", slog.String("factor", factor))
			continue
		}

		n := o.cfg.BaseCount * scale
		slog.Info("starting iteration", slog.Int("servers", n))
		if err := o.runOne(ctx, n); err != nil {
			slog.Error("iteration failed", slog.Int("servers", n), slog.String("error", err.Error()))
		}

		if o.stop.Load() {
			slog.Info("stop requested, ending sweep")
			return
		}
	}
}

func (o *Orchestrator) runOne(ctx context.Context, n int) error {
	w := o.cfg.Workload
	nodes, err := o.provisioner.Provision(ctx, n, o.cfg.MachineClass, w.Bootstrap)
	if err != nil {
		return err
	}
	defer o.provisioner.Release(context.Background(), nodes)

	manifest := membership.Build(nodes, o.cfg.ManifestPort)
	if err := o.distributor.Distribute(ctx, nodes, manifest); err != nil {
		return err
	}

	results := o.coordinator.Run(nodes, o.cfg.ManifestPath, w)
	name := filepath.Join(o.cfg.OutputDir, coordinator.ArtifactName(w.ArtifactPrefix(), w.Distribution(), n))
	return coordinator.WriteArtifact(results, name)
}
