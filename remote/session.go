package remote

import (
	"bytes"
	"io"
)

// A Session wraps one node's remote shell connection.
type Session interface {
	// Starts the command and returns a handle to its streams. Every token in argv
	// is shell-quoted except the control tokens listed in Assemble.
	Exec(argv ...string) (Handle, error)

	// Runs the command to completion and captures both streams. A nonzero exit
	// status is reported in the output, not as an error; only transport failures
	// return an error.
	Run(argv ...string) (*Output, error)

	// Writes the contents to the remote path, creating parent directories.
	Push(remotePath string, contents io.Reader) error

	// Closes the underlying connection.
	Close() error
}

// A Handle is one in-flight remote command.
type Handle interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Blocks until the command exits and returns its exit status.
	Wait() (int, error)

	Close() error
}

// Output is the captured result of a completed remote command.
type Output struct {
	Stdout string
	Stderr string
	Status int
}

func (o *Output) Ok() bool {
	return o.Status == 0
}

// Collect drains both streams and waits for the command to finish.
func Collect(h Handle) (*Output, error) {
	var stdout, stderr bytes.Buffer
	errCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(&stderr, h.Stderr())
		errCh <- err
	}()
	// Drain both streams and reap the command even when a copy fails, so a
	// stdout error never leaves the stderr goroutine or the process behind.
	_, outErr := io.Copy(&stdout, h.Stdout())
	copyErr := <-errCh
	status, waitErr := h.Wait()
	if outErr != nil {
		return nil, outErr
	}
	if copyErr != nil {
		return nil, copyErr
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return &Output{Stdout: stdout.String(), Stderr: stderr.String(), Status: status}, nil
}
