package fleet

import (
	"context"

	"golang.org/x/crypto/ssh"
)

// A Machine is one provisioned instance, reachable over SSH.
type Machine struct {
	ID        string
	PublicIP  string
	PrivateIP string
	User      string
	Identity  ssh.Signer
}

// A Backend creates and destroys the machines a benchmark runs on (e.g. EC2).
type Backend interface {
	// Set up the environment shared by all machines (network, keys).
	SetUp(ctx context.Context) error

	// Launch count machines of the class and return them once they are reachable.
	// The returned order is stable for one call; callers rely on it to assign
	// partition indices.
	Create(ctx context.Context, class string, count int) ([]Machine, error)

	// Destroy the given machines.
	Destroy(ctx context.Context, machines []Machine) error

	// Tear down the environment. Machines still alive are destroyed first.
	TearDown() error
}
