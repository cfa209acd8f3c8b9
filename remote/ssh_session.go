package remote

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type SSHSession struct {
	addr   string
	client *ssh.Client
}

// Connect dials the node's SSH endpoint with the given identity.
func Connect(ip string, port int, user string, identity ssh.Signer) (*SSHSession, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(identity)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &SSHSession{addr: addr, client: client}, nil
}

func (s *SSHSession) Exec(argv ...string) (Handle, error) {
	cmd := Assemble(argv)
	slog.Debug("executing remote command", slog.String("addr", s.addr), slog.String("cmd", cmd))

	session, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start %q on %s: %w", cmd, s.addr, err)
	}
	return &sshHandle{session: session, stdout: stdout, stderr: stderr}, nil
}

func (s *SSHSession) Run(argv ...string) (*Output, error) {
	h, err := s.Exec(argv...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return Collect(h)
}

func (s *SSHSession) Push(remotePath string, contents io.Reader) error {
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.MkdirAll(path.Dir(remotePath))
	if err != nil {
		return err
	}

	dst, err := c.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = dst.ReadFrom(contents)
	return err
}

func (s *SSHSession) Close() error {
	return s.client.Close()
}

type sshHandle struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
}

func (h *sshHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *sshHandle) Stderr() io.Reader {
	return h.stderr
}

func (h *sshHandle) Wait() (int, error) {
	err := h.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return 0, err
}

func (h *sshHandle) Close() error {
	err := h.session.Close()
	if err == io.EOF {
		// the session is already closed once the command has exited
		return nil
	}
	return err
}
