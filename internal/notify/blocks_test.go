package notify

import (
	"strings"
	"testing"
)

func TestTroubleshootingTips(t *testing.T) {
	tests := []struct {
		errText string
		want    string
	}{
		{"i/o timeout dialing 10.0.0.1:22", "ping"},
		{"ssh: unable to authenticate, attempted methods [none password]", "username and password"},
		{"dial tcp 10.0.0.1:22: connection refused", "configured port"},
		{"something else entirely", "network connectivity"},
	}
	for _, tt := range tests {
		got := troubleshootingTips(tt.errText)
		if !strings.Contains(got, tt.want) {
			t.Errorf("troubleshootingTips(%q) = %q, missing %q", tt.errText, got, tt.want)
		}
	}
}

func TestAlertBlocksOmitsEmptySections(t *testing.T) {
	blocks := alertBlocks(Alert{Device: "core-sw-01", Interface: "Gi0/1", State: "down"})
	for _, b := range blocks {
		if b["type"] == "actions" {
			t.Errorf("alert without controls rendered an actions block")
		}
	}
}

func TestAlertColor(t *testing.T) {
	if got := alertColor("up"); got != colorSuccess {
		t.Errorf("alertColor(up) = %q, want %q", got, colorSuccess)
	}
	if got := alertColor("down"); got != colorDanger {
		t.Errorf("alertColor(down) = %q, want %q", got, colorDanger)
	}
}
