package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/Octogonapus/EintopfBenchmark/cluster"
	"github.com/Octogonapus/EintopfBenchmark/remote"
	"github.com/alitto/pond"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu      sync.Mutex
	pushes  map[string]string
	pushErr error
}

func (s *fakeSession) Exec(argv ...string) (remote.Handle, error) {
	return nil, errors.New("not supported")
}

func (s *fakeSession) Run(argv ...string) (*remote.Output, error) {
	return &remote.Output{}, nil
}

func (s *fakeSession) Push(remotePath string, contents io.Reader) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	buf, err := io.ReadAll(contents)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushes == nil {
		s.pushes = map[string]string{}
	}
	s.pushes[remotePath] = string(buf)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func makeNodes(n int) []*cluster.Node {
	nodes := make([]*cluster.Node, n)
	for i := range nodes {
		nodes[i] = &cluster.Node{
			Index:       i,
			PublicAddr:  fmt.Sprintf("54.1.0.%d", i+1),
			PrivateAddr: fmt.Sprintf("10.0.0.%d", i+1),
			Session:     &fakeSession{},
		}
	}
	return nodes
}

func TestBuild_OnePerNodeInPartitionOrder(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		m := Build(makeNodes(n), 1234)
		require.Len(t, m, n)
		for i, e := range m {
			require.Equal(t, fmt.Sprintf("10.0.0.%d:1234", i+1), e.String())
		}
	}
}

func TestManifest_Text(t *testing.T) {
	m := Build(makeNodes(3), 1234)
	require.Equal(t, "10.0.0.1:1234\n10.0.0.2:1234\n10.0.0.3:1234", m.Text())
}

func TestDistribute_WritesIdenticalManifestToEveryNode(t *testing.T) {
	pool := pond.New(4, 0, pond.MinWorkers(4))
	defer pool.StopAndWait()

	nodes := makeNodes(3)
	m := Build(nodes, 1234)
	d := NewDistributor(pool, "hosts")
	require.NoError(t, d.Distribute(context.Background(), nodes, m))

	for _, node := range nodes {
		s := node.Session.(*fakeSession)
		require.Equal(t, m.Text(), s.pushes["hosts"])
	}
}

func TestDistribute_FailsWhenAnyWriteFails(t *testing.T) {
	pool := pond.New(4, 0, pond.MinWorkers(4))
	defer pool.StopAndWait()

	nodes := makeNodes(3)
	nodes[1].Session.(*fakeSession).pushErr = errors.New("connection reset")

	d := NewDistributor(pool, "hosts")
	err := d.Distribute(context.Background(), nodes, Build(nodes, 1234))
	require.Error(t, err)
	require.Contains(t, err.Error(), nodes[1].PublicAddr)
}
