package membership

import (
	"context"
	"fmt"
	"strings"

	"github.com/Octogonapus/EintopfBenchmark/cluster"
	"github.com/alitto/pond"
)

type Endpoint struct {
	Addr string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// A Manifest is the ordered list of peer endpoints distributed to every node
// before a run. It is built once per iteration and never mutated afterward.
type Manifest []Endpoint

// Build lists each node's private address in partition-index order.
func Build(nodes []*cluster.Node, port int) Manifest {
	m := make(Manifest, len(nodes))
	for i, node := range nodes {
		m[i] = Endpoint{Addr: node.PrivateAddr, Port: port}
	}
	return m
}

// Text renders the manifest as one address:port line per node.
func (m Manifest) Text() string {
	lines := make([]string, len(m))
	for i, e := range m {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

type Distributor struct {
	pool *pond.WorkerPool
	// The well-known path nodes read the manifest from at run time.
	path string
}

func NewDistributor(pool *pond.WorkerPool, path string) *Distributor {
	return &Distributor{pool: pool, path: path}
}

// Distribute writes the identical manifest text to every node concurrently.
// A node missing the manifest cannot locate peers at run time, so a single
// failed write fails the whole call.
func (d *Distributor) Distribute(ctx context.Context, nodes []*cluster.Node, m Manifest) error {
	text := m.Text()
	group, _ := d.pool.GroupContext(ctx)
	for _, node := range nodes {
		group.Submit(func() error {
			if err := node.Session.Push(d.path, strings.NewReader(text)); err != nil {
				return fmt.Errorf("can't write membership manifest to %s: %w", node.PublicAddr, err)
			}
			return nil
		})
	}
	return group.Wait()
}
