package device

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

const (
	diagPingCount   = 3
	diagPingTimeout = 2 * time.Second
	diagPortTimeout = 3 * time.Second
)

// DiagnosticReport summarizes the reachability probes run after a connection
// failure. Its String form is attached to the operator-facing error text.
type DiagnosticReport struct {
	Host        string
	ICMPAlive   bool
	PacketLoss  float64
	AvgRTT      time.Duration
	SSHPortOpen bool
	ProbeErrors []string
}

func (r DiagnosticReport) String() string {
	var b strings.Builder
	b.WriteString("Diagnostic information:\n")
	if r.ICMPAlive {
		fmt.Fprintf(&b, "- host %s is reachable via ICMP (avg rtt %s, %.0f%% loss)\n",
			r.Host, r.AvgRTT.Round(time.Millisecond), r.PacketLoss)
	} else {
		fmt.Fprintf(&b, "- host %s is NOT reachable via ICMP\n", r.Host)
	}
	if r.SSHPortOpen {
		fmt.Fprintf(&b, "- SSH port on %s is open\n", r.Host)
	} else {
		fmt.Fprintf(&b, "- SSH port on %s is closed or filtered\n", r.Host)
	}
	for _, e := range r.ProbeErrors {
		fmt.Fprintf(&b, "- probe error: %s\n", e)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Diagnose runs a lightweight reachability check against the host: an ICMP
// ping plus a TCP probe of the SSH port. Best effort, bounded, never fails.
func (m *Manager) Diagnose(ctx context.Context, host string) DiagnosticReport {
	report := DiagnosticReport{Host: host}

	if err := m.runPing(ctx, &report); err != nil {
		report.ProbeErrors = append(report.ProbeErrors, err.Error())
	}

	addr := net.JoinHostPort(host, strconv.Itoa(m.cfg.SSHPort))
	conn, err := net.DialTimeout("tcp", addr, diagPortTimeout)
	if err == nil {
		report.SSHPortOpen = true
		conn.Close()
	}

	m.logger.Debug("connection diagnostics collected",
		zap.String("host", host),
		zap.Bool("icmp_alive", report.ICMPAlive),
		zap.Bool("ssh_port_open", report.SSHPortOpen),
	)
	return report
}

func (m *Manager) runPing(ctx context.Context, report *DiagnosticReport) error {
	pinger, err := probing.NewPinger(report.Host)
	if err != nil {
		return fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = diagPingCount
	pinger.Timeout = diagPingCount * diagPingTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			m.logger.Debug("ping run error", zap.String("host", report.Host), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		return ctx.Err()
	}

	stats := pinger.Statistics()
	report.ICMPAlive = stats.PacketsRecv > 0
	report.PacketLoss = stats.PacketLoss
	report.AvgRTT = stats.AvgRtt
	return nil
}
