package workload

import (
	"context"
	"fmt"

	"github.com/Octogonapus/EintopfBenchmark/remote"
)

// Distribution selects how the benchmark spreads keys across the keyspace.
type Distribution string

const (
	Uniform Distribution = "uniform"
	Skewed  Distribution = "skewed"
)

// A Workload is the benchmark software run on every node of the fleet.
type Workload interface {
	// Prepare one node. May involve updating and rebuilding software.
	Bootstrap(ctx context.Context, s remote.Session) error

	// Return the argv that launches the benchmark on the node owning the given
	// partition index. The manifest path tells the benchmark where its peer
	// list lives.
	Command(partition int, manifestPath string) []string

	// The key distribution this workload runs with.
	Distribution() Distribution

	// The prefix used to name this workload's output artifacts.
	ArtifactPrefix() string

	// A human-friendly name the user can set for this workload. Only used for
	// debugging/printing.
	GetName() string

	// Any input given to this workload by the user.
	GetInput() map[string]any
}

type workloadType string

type workloadFactory func(map[string]any) (Workload, error)

var workloads map[workloadType]workloadFactory

// All workloads must register themselves at module load time so that
// deserialization can create a workload of that type.
func RegisterWorkload(wtype string, f workloadFactory) {
	if workloads == nil {
		workloads = map[workloadType]workloadFactory{}
	}
	workloads[workloadType(wtype)] = f
}

type SerializedWorkload struct {
	Type  workloadType
	Input map[string]any
}

type WorkloadFile []SerializedWorkload

func DeserializeWorkload(sw *SerializedWorkload) (Workload, error) {
	f, ok := workloads[sw.Type]
	if !ok {
		return nil, fmt.Errorf("unknown workload type: %s", sw.Type)
	}
	return f(sw.Input)
}
