package device

import (
	"errors"
	"strings"
	"testing"
)

func TestParseInterfaceEvent(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantIface string
		wantState InterfaceState
		wantErr   bool
	}{
		{
			name:      "lineproto down",
			message:   "Line protocol on Interface GigabitEthernet0/1, changed state to down",
			wantIface: "GigabitEthernet0/1",
			wantState: StateDown,
		},
		{
			name:      "lineproto up",
			message:   "Line protocol on Interface GigabitEthernet0/1, changed state to up",
			wantIface: "GigabitEthernet0/1",
			wantState: StateUp,
		},
		{
			name:      "link down with full syslog prefix",
			message:   "%LINK-3-UPDOWN: Interface FastEthernet0/22, changed state to down",
			wantIface: "FastEthernet0/22",
			wantState: StateDown,
		},
		{
			name:    "no interface clause",
			message: "Configured from console by admin",
			wantErr: true,
		},
		{
			name:    "unknown state word",
			message: "Interface Gi0/1, changed state to sideways",
			wantErr: true,
		},
		{
			name:    "empty message",
			message: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iface, state, err := ParseInterfaceEvent(tt.message)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseInterfaceEvent(%q) = %q, %q, want error", tt.message, iface, state)
				}
				var parseErr *ParseError
				if !errors.As(err, &parseErr) {
					t.Errorf("error type = %T, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInterfaceEvent(%q) error: %v", tt.message, err)
			}
			if iface != tt.wantIface {
				t.Errorf("interface = %q, want %q", iface, tt.wantIface)
			}
			if state != tt.wantState {
				t.Errorf("state = %q, want %q", state, tt.wantState)
			}
		})
	}
}

func TestParseInterfaceStatus(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		want     InterfaceStatus
		wantDown bool
		wantErr  bool
	}{
		{
			name:   "admin down",
			output: "GigabitEthernet0/1 is administratively down, line protocol is down\n  Hardware is iGbE",
			want: InterfaceStatus{
				Name:      "GigabitEthernet0/1",
				AdminDown: true,
			},
			wantDown: true,
		},
		{
			name:   "operationally down",
			output: "GigabitEthernet0/1 is down, line protocol is down",
			want: InterfaceStatus{
				Name: "GigabitEthernet0/1",
			},
			wantDown: true,
		},
		{
			name:   "up",
			output: "GigabitEthernet0/1 is up, line protocol is up",
			want: InterfaceStatus{
				Name:       "GigabitEthernet0/1",
				LinkUp:     true,
				ProtocolUp: true,
			},
			wantDown: false,
		},
		{
			name:   "link up protocol down",
			output: "GigabitEthernet0/1 is up, line protocol is down",
			want: InterfaceStatus{
				Name:   "GigabitEthernet0/1",
				LinkUp: true,
			},
			wantDown: true,
		},
		{
			name:    "invalid interface",
			output:  "% Invalid input detected at '^' marker.",
			wantErr: true,
		},
		{
			name:    "empty output",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInterfaceStatus(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseInterfaceStatus(%q) = %+v, want error", tt.output, got)
				}
				var cmdErr *CommandError
				if !errors.As(err, &cmdErr) {
					t.Errorf("error type = %T, want *CommandError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInterfaceStatus(%q) error: %v", tt.output, err)
			}
			if got != tt.want {
				t.Errorf("status = %+v, want %+v", got, tt.want)
			}
			if got.Down() != tt.wantDown {
				t.Errorf("Down() = %v, want %v", got.Down(), tt.wantDown)
			}
		})
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"  Description: Uplink to core-sw-01  ", "Uplink to core-sw-01"},
		{"GigabitEthernet0/1 is up, line protocol is up", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.output); got != tt.want {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestRejected(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"% Invalid input detected at '^' marker.", true},
		{"router(config)#\n% Incomplete command.\nrouter(config)#", true},
		{"router(config)#interface Gi0/1\nrouter(config-if)#no shutdown\nrouter(config-if)#end", false},
		{"100% of traffic matched", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := rejected(tt.output); got != tt.want {
			t.Errorf("rejected(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestDiagnosticReportString(t *testing.T) {
	r := DiagnosticReport{
		Host:        "10.0.0.1",
		ICMPAlive:   false,
		SSHPortOpen: false,
		ProbeErrors: []string{"create pinger: bad host"},
	}
	got := r.String()
	for _, want := range []string{
		"NOT reachable via ICMP",
		"closed or filtered",
		"create pinger: bad host",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}
