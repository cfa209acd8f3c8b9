package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Octogonapus/EintopfBenchmark/fleet"
	"github.com/Octogonapus/EintopfBenchmark/remote"
	"github.com/alitto/pond"
)

// DefaultWaitLimit bounds how long one provisioning call may block, bootstrap
// included. Exceeding it is fatal for the call, not a retry trigger.
const DefaultWaitLimit = 5 * time.Minute

// A Node is one provisioned member of the fleet.
type Node struct {
	// Partition index. Indices are contiguous from zero in machine order within
	// one provisioning call.
	Index       int
	PublicAddr  string
	PrivateAddr string
	Session     remote.Session
	Machine     fleet.Machine
}

// A Hook runs once per node after the machine is up, before it joins a run
// (e.g. update and rebuild the benchmark software).
type Hook func(ctx context.Context, s remote.Session) error

// A Dialer opens a session on a machine.
type Dialer func(m fleet.Machine) (remote.Session, error)

// SSHDialer dials machines over SSH on the given port.
func SSHDialer(port int) Dialer {
	return func(m fleet.Machine) (remote.Session, error) {
		return remote.Connect(m.PublicIP, port, m.User, m.Identity)
	}
}

type Provisioner struct {
	backend   fleet.Backend
	dial      Dialer
	pool      *pond.WorkerPool
	waitLimit time.Duration
}

func NewProvisioner(backend fleet.Backend, dial Dialer, pool *pond.WorkerPool, waitLimit time.Duration) *Provisioner {
	if waitLimit == 0 {
		waitLimit = DefaultWaitLimit
	}
	return &Provisioner{backend: backend, dial: dial, pool: pool, waitLimit: waitLimit}
}

// Provision launches n machines of the class, connects a session to each, and
// runs the bootstrap hook on all of them concurrently. Bootstrap failure on any
// node fails the whole call and destroys the fleet; a partial fleet is not
// usable because the membership manifest requires every node.
func (p *Provisioner) Provision(ctx context.Context, n int, class string, bootstrap Hook) ([]*Node, error) {
	ctx, cancel := context.WithTimeout(ctx, p.waitLimit)
	defer cancel()

	machines, err := p.backend.Create(ctx, class, n)
	if err != nil {
		return nil, fmt.Errorf("fleet creation failed: %w", err)
	}

	// Fan in through a channel and wait for every task, failed or not: the
	// cleanup below must not start while a sibling is still dialing.
	nodes := make([]*Node, len(machines))
	errCh := make(chan error, len(machines))
	group := p.pool.Group()
	for i, m := range machines {
		group.Submit(func() {
			err := p.provisionOne(ctx, i, m, nodes, bootstrap)
			if err != nil {
				// stop in-flight siblings at their next suspension point
				cancel()
			}
			errCh <- err
		})
	}
	group.Wait()
	close(errCh)

	// The error that tripped the cancellation is more useful than the
	// cancellations it caused.
	var firstErr error
	for err := range errCh {
		if err == nil {
			continue
		}
		if firstErr == nil || (errors.Is(firstErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
			firstErr = err
		}
	}
	if firstErr != nil {
		for _, node := range nodes {
			if node != nil {
				node.Session.Close()
			}
		}
		if derr := p.backend.Destroy(context.Background(), machines); derr != nil {
			slog.Error("failed to destroy fleet", slog.String("error", derr.Error()))
		}
		return nil, firstErr
	}
	return nodes, nil
}

func (p *Provisioner) provisionOne(ctx context.Context, i int, m fleet.Machine, nodes []*Node, bootstrap Hook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := p.dial(m)
	if err != nil {
		return fmt.Errorf("can't connect to %s: %w", m.PublicIP, err)
	}
	nodes[i] = &Node{
		Index:       i,
		PublicAddr:  m.PublicIP,
		PrivateAddr: m.PrivateIP,
		Session:     s,
		Machine:     m,
	}
	if bootstrap != nil {
		if err := bootstrap(ctx, s); err != nil {
			return fmt.Errorf("bootstrap failed on %s: %w", m.PublicIP, err)
		}
	}
	return nil
}

// Release closes node sessions and destroys their machines.
func (p *Provisioner) Release(ctx context.Context, nodes []*Node) {
	machines := make([]fleet.Machine, 0, len(nodes))
	for _, node := range nodes {
		node.Session.Close()
		machines = append(machines, node.Machine)
	}
	if err := p.backend.Destroy(ctx, machines); err != nil {
		slog.Error("failed to destroy fleet", slog.String("error", err.Error()))
	}
}
