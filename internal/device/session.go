// Package device opens and drives SSH command sessions against Cisco IOS
// devices: status reads, interface remediation, and connection diagnostics.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/netmend/netmend/internal/config"
)

// Manager opens authenticated sessions to devices. One Manager is shared by
// all attempts; each attempt acquires its own Session.
type Manager struct {
	cfg    config.DeviceSettings
	logger *zap.Logger

	// dialFn is the function used to establish SSH connections.
	// Defaults to ssh.Dial; overridden in tests.
	dialFn func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// NewManager creates a session manager with the given device settings.
func NewManager(cfg config.DeviceSettings, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

// Connect opens an authenticated SSH session to the device. The dial is
// bounded by the configured connect timeout. On failure a reachability
// diagnostic is run and attached to the returned *ConnectionError.
func (m *Manager) Connect(ctx context.Context, host string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(m.cfg.SSHPort))
	sshConfig := &ssh.ClientConfig{
		User: m.cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(m.cfg.Password),
			ssh.KeyboardInteractive(passwordChallenge(m.cfg.Password)),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: network gear rarely has managed host keys; verification is a future enhancement
		Timeout:         m.cfg.ConnectTimeout,
	}

	m.logger.Debug("dialing device", zap.String("addr", addr))

	dial := m.dialFn
	if dial == nil {
		dial = ssh.Dial
	}
	client, err := dial("tcp", addr, sshConfig)
	if err != nil {
		report := m.Diagnose(ctx, host)
		m.logger.Warn("device dial failed",
			zap.String("addr", addr),
			zap.Error(err),
		)
		return nil, &ConnectionError{Host: host, Err: err, Diagnostics: report.String()}
	}

	return &Session{
		host:   host,
		run:    &sshRunner{client: client, timeout: m.cfg.CommandTimeout},
		settle: m.cfg.SettleDelay,
		logger: m.logger.With(zap.String("host", host)),
	}, nil
}

// passwordChallenge answers keyboard-interactive prompts with the configured
// password; some IOS builds only offer that auth method.
func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

// Session is a live authenticated connection to one device. It is owned by a
// single remediation attempt and must be closed on every exit path.
type Session struct {
	host   string
	run    runner
	settle time.Duration
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// runner abstracts command execution so Session logic is testable without a
// real SSH transport.
type runner interface {
	// Run executes a single read-only exec command.
	Run(ctx context.Context, cmd string) (string, error)
	// RunConfig executes a configuration command sequence in one shell.
	RunConfig(ctx context.Context, cmds []string) (string, error)
	Close() error
}

// Host returns the device address this session is connected to.
func (s *Session) Host() string { return s.host }

// Status issues a read-only state query for the interface.
func (s *Session) Status(ctx context.Context, iface string) (InterfaceStatus, error) {
	cmd := "show interfaces " + iface
	out, err := s.run.Run(ctx, cmd)
	if err != nil {
		return InterfaceStatus{}, &CommandError{Command: cmd, Output: out, Err: err}
	}
	return ParseInterfaceStatus(out)
}

// Description reads the configured interface description, if any.
func (s *Session) Description(ctx context.Context, iface string) (string, error) {
	cmd := "show interfaces " + iface + " | include Description"
	out, err := s.run.Run(ctx, cmd)
	if err != nil {
		return "", &CommandError{Command: cmd, Output: out, Err: err}
	}
	return extractDescription(out), nil
}

// Remediate administratively enables the interface, waits the settle delay,
// and re-reads status to confirm the fix took effect. A command the device
// rejects returns *CommandError; a command that is accepted without fixing
// the interface returns ErrRemediationIneffective.
func (s *Session) Remediate(ctx context.Context, iface string) error {
	cmds := []string{
		"configure terminal",
		"interface " + iface,
		"no shutdown",
		"end",
	}
	out, err := s.run.RunConfig(ctx, cmds)
	if err != nil {
		return &CommandError{Command: "no shutdown", Output: out, Err: err}
	}
	if rejected(out) {
		return &CommandError{Command: "no shutdown", Output: strings.TrimSpace(out)}
	}

	s.logger.Info("remediation commands accepted, waiting for interface to settle",
		zap.String("interface", iface),
		zap.Duration("settle_delay", s.settle),
	)

	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := s.Status(ctx, iface)
	if err != nil {
		return fmt.Errorf("post-remediation status check: %w", err)
	}
	if status.Down() {
		return fmt.Errorf("%s on %s: %w", iface, s.host, ErrRemediationIneffective)
	}
	return nil
}

// Close releases the underlying connection. Safe to call more than once;
// the connection is torn down exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.run.Close()
		s.logger.Debug("device session closed")
	})
	return s.closeErr
}

// rejected reports whether IOS flagged any command in the output. IOS error
// responses start with "% ".
func rejected(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "% ") {
			return true
		}
	}
	return false
}

// sshRunner executes commands over an *ssh.Client, one exec channel per
// command and a PTY shell for configuration sequences.
type sshRunner struct {
	client  *ssh.Client
	timeout time.Duration
}

func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, runErr := sess.CombinedOutput(cmd)
		done <- result{out: out, err: runErr}
	}()

	select {
	case res := <-done:
		return string(res.out), res.err
	case <-time.After(r.timeout):
		return "", fmt.Errorf("command timed out after %s", r.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *sshRunner) RunConfig(ctx context.Context, cmds []string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open shell channel: %w", err)
	}
	defer sess.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 24, 80, modes); err != nil {
		return "", fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}

	var buf strings.Builder
	sess.Stdout = &buf
	sess.Stderr = &buf

	if err := sess.Shell(); err != nil {
		return "", fmt.Errorf("start shell: %w", err)
	}

	for _, cmd := range cmds {
		if _, err := fmt.Fprintln(stdin, cmd); err != nil {
			return buf.String(), fmt.Errorf("write command %q: %w", cmd, err)
		}
	}
	fmt.Fprintln(stdin, "exit")
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		// IOS closes the shell with a non-zero status after "exit"; the
		// output decides success, not the exit code.
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return buf.String(), err
		}
		return buf.String(), nil
	case <-time.After(r.timeout):
		return buf.String(), fmt.Errorf("configuration sequence timed out after %s", r.timeout)
	case <-ctx.Done():
		return buf.String(), ctx.Err()
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
