package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Octogonapus/EintopfBenchmark/fleet"
	"github.com/Octogonapus/EintopfBenchmark/remote"
	"github.com/alitto/pond"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	addr   string
	closed bool
}

func (s *fakeSession) Exec(argv ...string) (remote.Handle, error) {
	return nil, errors.New("not supported")
}

func (s *fakeSession) Run(argv ...string) (*remote.Output, error) {
	return &remote.Output{}, nil
}

func (s *fakeSession) Push(remotePath string, contents io.Reader) error { return nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	mu        sync.Mutex
	created   []int
	destroyed [][]string
	createErr error
}

func (b *fakeBackend) SetUp(ctx context.Context) error { return nil }

func (b *fakeBackend) Create(ctx context.Context, class string, count int) ([]fleet.Machine, error) {
	b.mu.Lock()
	b.created = append(b.created, count)
	b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	machines := make([]fleet.Machine, count)
	for i := range machines {
		machines[i] = fleet.Machine{
			ID:        fmt.Sprintf("i-%d", i),
			PublicIP:  fmt.Sprintf("54.1.0.%d", i+1),
			PrivateIP: fmt.Sprintf("10.0.0.%d", i+1),
			User:      "ubuntu",
		}
	}
	return machines, nil
}

func (b *fakeBackend) Destroy(ctx context.Context, machines []fleet.Machine) error {
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	b.mu.Lock()
	b.destroyed = append(b.destroyed, ids)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) TearDown() error { return nil }

func fakeDialer(dialed *sync.Map) Dialer {
	return func(m fleet.Machine) (remote.Session, error) {
		s := &fakeSession{addr: m.PublicIP}
		if dialed != nil {
			dialed.Store(m.PublicIP, s)
		}
		return s, nil
	}
}

func testPool(t *testing.T) *pond.WorkerPool {
	pool := pond.New(8, 0, pond.MinWorkers(8))
	t.Cleanup(pool.StopAndWait)
	return pool
}

func TestProvision_AssignsContiguousPartitionIndices(t *testing.T) {
	pool := testPool(t)
	for n := 1; n <= 8; n++ {
		p := NewProvisioner(&fakeBackend{}, fakeDialer(nil), pool, 0)
		nodes, err := p.Provision(context.Background(), n, "c5.4xlarge", nil)
		require.NoError(t, err)
		require.Len(t, nodes, n)

		seen := map[int]bool{}
		for i, node := range nodes {
			require.Equal(t, i, node.Index)
			require.False(t, seen[node.Index])
			seen[node.Index] = true
			// index order matches machine order from the backend
			require.Equal(t, fmt.Sprintf("10.0.0.%d", i+1), node.PrivateAddr)
		}
	}
}

func TestProvision_RunsBootstrapOnEveryNode(t *testing.T) {
	pool := testPool(t)
	p := NewProvisioner(&fakeBackend{}, fakeDialer(nil), pool, 0)

	var mu sync.Mutex
	bootstrapped := map[string]bool{}
	nodes, err := p.Provision(context.Background(), 4, "c5.4xlarge", func(ctx context.Context, s remote.Session) error {
		mu.Lock()
		defer mu.Unlock()
		bootstrapped[s.(*fakeSession).addr] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, bootstrapped, 4)
	for _, node := range nodes {
		require.True(t, bootstrapped[node.PublicAddr])
	}
}

func TestProvision_BootstrapFailureFailsTheWholeCall(t *testing.T) {
	pool := testPool(t)
	backend := &fakeBackend{}
	dialed := &sync.Map{}
	p := NewProvisioner(backend, fakeDialer(dialed), pool, 0)

	_, err := p.Provision(context.Background(), 3, "c5.4xlarge", func(ctx context.Context, s remote.Session) error {
		if s.(*fakeSession).addr == "54.1.0.2" {
			return errors.New("cargo build failed")
		}
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bootstrap failed")

	// the whole fleet is destroyed, not just the failed node
	require.Len(t, backend.destroyed, 1)
	require.ElementsMatch(t, []string{"i-0", "i-1", "i-2"}, backend.destroyed[0])

	dialed.Range(func(_, v any) bool {
		require.True(t, v.(*fakeSession).closed)
		return true
	})
}

func TestProvision_ClosesSessionsDialedAfterSiblingFailure(t *testing.T) {
	pool := testPool(t)
	backend := &fakeBackend{}

	var mu sync.Mutex
	var slow *fakeSession
	dialStarted := make(chan struct{})
	dial := func(m fleet.Machine) (remote.Session, error) {
		s := &fakeSession{addr: m.PublicIP}
		if m.ID == "i-1" {
			// still dialing when the sibling's bootstrap fails
			close(dialStarted)
			time.Sleep(200 * time.Millisecond)
			mu.Lock()
			slow = s
			mu.Unlock()
		}
		return s, nil
	}

	p := NewProvisioner(backend, dial, pool, 0)
	_, err := p.Provision(context.Background(), 2, "c5.4xlarge", func(ctx context.Context, s remote.Session) error {
		if s.(*fakeSession).addr == "54.1.0.1" {
			// fail only once the sibling's dial is provably in flight
			<-dialStarted
			return errors.New("cargo build failed")
		}
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cargo build failed")

	// the late-dialed session was still closed and its machine destroyed
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, slow)
	require.True(t, slow.closed)
	require.Len(t, backend.destroyed, 1)
	require.ElementsMatch(t, []string{"i-0", "i-1"}, backend.destroyed[0])
}

func TestProvision_FleetCreationFailureIsFatal(t *testing.T) {
	pool := testPool(t)
	p := NewProvisioner(&fakeBackend{createErr: errors.New("capacity")}, fakeDialer(nil), pool, 0)
	_, err := p.Provision(context.Background(), 2, "c5.4xlarge", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fleet creation failed")
}

func TestProvision_WaitLimit(t *testing.T) {
	pool := testPool(t)
	p := NewProvisioner(&fakeBackend{}, fakeDialer(nil), pool, 10*time.Millisecond)
	_, err := p.Provision(context.Background(), 2, "c5.4xlarge", func(ctx context.Context, s remote.Session) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_ClosesSessionsAndDestroysMachines(t *testing.T) {
	pool := testPool(t)
	backend := &fakeBackend{}
	p := NewProvisioner(backend, fakeDialer(nil), pool, 0)
	nodes, err := p.Provision(context.Background(), 2, "c5.4xlarge", nil)
	require.NoError(t, err)

	p.Release(context.Background(), nodes)
	for _, node := range nodes {
		require.True(t, node.Session.(*fakeSession).closed)
	}
	require.Len(t, backend.destroyed, 1)
	require.ElementsMatch(t, []string{"i-0", "i-1"}, backend.destroyed[0])
}
