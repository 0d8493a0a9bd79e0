package device

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/netmend/netmend/internal/config"
)

// fakeRunner scripts command responses without an SSH transport.
type fakeRunner struct {
	runOutputs    map[string]string
	runErr        error
	configOutput  string
	configErr     error
	configCalls   int
	closeCalls    int
	statusOutputs []string // successive Status reads pop from the front
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	if strings.HasPrefix(cmd, "show interfaces") && len(f.statusOutputs) > 0 {
		out := f.statusOutputs[0]
		if len(f.statusOutputs) > 1 {
			f.statusOutputs = f.statusOutputs[1:]
		}
		return out, nil
	}
	return f.runOutputs[cmd], nil
}

func (f *fakeRunner) RunConfig(_ context.Context, _ []string) (string, error) {
	f.configCalls++
	return f.configOutput, f.configErr
}

func (f *fakeRunner) Close() error {
	f.closeCalls++
	return nil
}

func newTestSession(r runner) *Session {
	return &Session{
		host:   "10.0.0.1",
		run:    r,
		settle: time.Millisecond,
		logger: zap.NewNop(),
	}
}

func TestSessionStatus(t *testing.T) {
	r := &fakeRunner{
		statusOutputs: []string{"GigabitEthernet0/1 is administratively down, line protocol is down"},
	}
	s := newTestSession(r)

	status, err := s.Status(context.Background(), "GigabitEthernet0/1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.AdminDown {
		t.Errorf("AdminDown = false, want true")
	}
	if !status.Down() {
		t.Errorf("Down() = false, want true")
	}
}

func TestSessionStatusCommandError(t *testing.T) {
	r := &fakeRunner{runErr: errors.New("channel closed")}
	s := newTestSession(r)

	_, err := s.Status(context.Background(), "Gi0/1")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
}

func TestSessionDescription(t *testing.T) {
	r := &fakeRunner{
		runOutputs: map[string]string{
			"show interfaces Gi0/1 | include Description": "  Description: Uplink to core",
		},
	}
	s := newTestSession(r)

	desc, err := s.Description(context.Background(), "Gi0/1")
	if err != nil {
		t.Fatalf("Description returned error: %v", err)
	}
	if desc != "Uplink to core" {
		t.Errorf("description = %q, want %q", desc, "Uplink to core")
	}
}

func TestSessionRemediateSuccess(t *testing.T) {
	r := &fakeRunner{
		configOutput:  "router(config)#interface Gi0/1\nrouter(config-if)#no shutdown",
		statusOutputs: []string{"GigabitEthernet0/1 is up, line protocol is up"},
	}
	s := newTestSession(r)

	if err := s.Remediate(context.Background(), "Gi0/1"); err != nil {
		t.Fatalf("Remediate returned error: %v", err)
	}
	if r.configCalls != 1 {
		t.Errorf("config sequence ran %d times, want 1", r.configCalls)
	}
}

func TestSessionRemediateRejected(t *testing.T) {
	r := &fakeRunner{
		configOutput: "% Invalid input detected at '^' marker.",
	}
	s := newTestSession(r)

	err := s.Remediate(context.Background(), "Gi0/1")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if len(r.statusOutputs) != 0 {
		// Rejection must be detected before any settle wait or re-check.
		t.Errorf("status was read after rejected command")
	}
}

func TestSessionRemediateIneffective(t *testing.T) {
	r := &fakeRunner{
		configOutput:  "router(config-if)#no shutdown",
		statusOutputs: []string{"GigabitEthernet0/1 is down, line protocol is down"},
	}
	s := newTestSession(r)

	err := s.Remediate(context.Background(), "Gi0/1")
	if !errors.Is(err, ErrRemediationIneffective) {
		t.Fatalf("error = %v, want ErrRemediationIneffective", err)
	}
}

func TestSessionRemediateCanceledDuringSettle(t *testing.T) {
	r := &fakeRunner{
		configOutput: "ok",
	}
	s := newTestSession(r)
	s.settle = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Remediate(ctx, "Gi0/1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSessionCloseOnce(t *testing.T) {
	r := &fakeRunner{}
	s := newTestSession(r)

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
	}
	if r.closeCalls != 1 {
		t.Errorf("underlying close called %d times, want 1", r.closeCalls)
	}
}

func TestConnectFailureReturnsConnectionError(t *testing.T) {
	cfg := config.DeviceSettings{
		Username:       "netops",
		Password:       "secret",
		SSHPort:        22,
		ConnectTimeout: time.Second,
	}
	m := NewManager(cfg, zap.NewNop())
	m.dialFn = func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, errors.New("connection refused")
	}

	// An unresolvable name keeps the post-failure diagnostics fast.
	_, err := m.Connect(context.Background(), "device.invalid")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error type = %T, want *ConnectionError", err)
	}
	if connErr.Host != "device.invalid" {
		t.Errorf("host = %q, want %q", connErr.Host, "device.invalid")
	}
	if connErr.Diagnostics == "" {
		t.Errorf("diagnostics empty, want reachability report")
	}
}

func TestConnectCanceledContext(t *testing.T) {
	m := NewManager(config.DeviceSettings{SSHPort: 22}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Connect(ctx, "10.0.0.1")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error type = %T, want *ConnectionError", err)
	}
}
