package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig holds connector-wide SSH settings. Per-target user overrides come
// from the target's connection profile.
type SSHConfig struct {
	User           string
	KeyFile        string
	ConnectTimeout time.Duration
	OutputLimit    int
}

// SSHConnector dials SSH sessions to targets.
type SSHConnector struct {
	cfg     SSHConfig
	methods []ssh.AuthMethod
}

// NewSSHConnector creates a connector, loading the private key up front so a
// bad key file fails at startup rather than on the first dispatch.
func NewSSHConnector(cfg SSHConfig) (*SSHConnector, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 256 * 1024
	}

	return &SSHConnector{cfg: cfg, methods: methods}, nil
}

// Dial opens an SSH client connection to the target.
func (c *SSHConnector) Dial(ctx context.Context, profile Profile) (Conn, error) {
	user := profile.User
	if user == "" {
		user = c.cfg.User
	}
	port := profile.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(profile.Host, fmt.Sprintf("%d", port))

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            c.methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return &sshSession{
		client:      ssh.NewClient(sshConn, chans, reqs),
		outputLimit: c.cfg.OutputLimit,
	}, nil
}

type sshSession struct {
	client      *ssh.Client
	outputLimit int
}

func (s *sshSession) Run(ctx context.Context, payload string) (*Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	out := newCapWriter(s.outputLimit)
	session.Stdout = out
	session.Stderr = out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(payload)
	}()

	select {
	case <-ctx.Done():
		// Best effort teardown; the remote command may outlive us, which is
		// why a timed-out connection is never returned to the pool.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return &Result{Output: out.Bytes(), Truncated: out.truncated}, ctx.Err()

	case err := <-done:
		result := &Result{Output: out.Bytes(), Truncated: out.truncated}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, fmt.Errorf("session run failed: %w", err)
		}
		return result, nil
	}
}

func (s *sshSession) Ping(ctx context.Context) error {
	type pingResult struct {
		err error
	}
	done := make(chan pingResult, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@opsconductor", true, nil)
		done <- pingResult{err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		return r.err
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
