package operations

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands over SSH, opening a fresh connection per
// command rather than pooling: this caps steady-state memory and
// avoids handing a command to a stale connection for a host that
// rebooted mid-operation.
type SSHExecutor struct {
	User       string
	Signer     ssh.Signer
	Port       int
	DialTimeout time.Duration
}

// NewSSHExecutor creates an Executor authenticating as user with the
// given private key signer.
func NewSSHExecutor(user string, signer ssh.Signer) *SSHExecutor {
	return &SSHExecutor{
		User:        user,
		Signer:      signer,
		Port:        22,
		DialTimeout: 10 * time.Second,
	}
}

// Run opens a new SSH session to ip and executes command, returning
// its exit code and combined stdout/stderr.
func (e *SSHExecutor) Run(ctx context.Context, ip, command string) (int, string, error) {
	if ip == "" {
		return -1, "", fmt.Errorf("operations: host has no known IP address")
	}

	cfg := &ssh.ClientConfig{
		User:            e.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // fleet hosts have no stable host key infrastructure
		Timeout:         e.DialTimeout,
	}

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", e.Port))

	dialer := net.Dialer{Timeout: e.DialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, "", fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, cfg)
	if err != nil {
		rawConn.Close()
		return -1, "", fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, "", fmt.Errorf("open session %s: %w", addr, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	err = session.Run(command)
	if err == nil {
		return 0, out.String(), nil
	}

	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitStatus(), out.String(), nil
	}

	return -1, out.String(), fmt.Errorf("run %q on %s: %w", command, addr, err)
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}
