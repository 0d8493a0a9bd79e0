package notify

import (
	"fmt"
	"strings"
	"time"
)

const (
	colorDanger  = "#9C1A22"
	colorSuccess = "#008000"
)

func alertColor(state string) string {
	if state == "up" {
		return colorSuccess
	}
	return colorDanger
}

func statusBadge(state string) string {
	if state == "up" {
		return ":large_green_circle: RECOVERED"
	}
	return ":red_circle: DOWN"
}

type blockList []map[string]any

func (b *blockList) add(blocks ...map[string]any) {
	*b = append(*b, blocks...)
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": text, "emoji": true},
	}
}

func divider() map[string]any {
	return map[string]any{"type": "divider"}
}

func section(markdown string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": markdown},
	}
}

func contextFooter(lines ...string) map[string]any {
	elems := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		elems = append(elems, map[string]any{"type": "mrkdwn", "text": l})
	}
	return map[string]any{"type": "context", "elements": elems}
}

// alertBlocks renders the interface alert message body.
func alertBlocks(a Alert) blockList {
	var blocks blockList

	blocks.add(
		header(fmt.Sprintf("Interface Alert: %s", a.Device)),
		divider(),
	)

	summary := fmt.Sprintf("*Status:* %s\n*Interface:* `%s`", statusBadge(a.State), a.Interface)
	if a.Description != "" {
		summary += fmt.Sprintf("\n*Description:* %s", a.Description)
	}
	if a.Mnemonic != "" {
		summary += fmt.Sprintf("\n*Event:* %s", a.Mnemonic)
	}
	blocks.add(section(summary))

	if a.EventMessage != "" {
		blocks.add(divider(), section(fmt.Sprintf("*Event Details*\n```%s```", strings.TrimSpace(a.EventMessage))))
	}

	if a.Diagnostics != "" {
		blocks.add(divider(), section(fmt.Sprintf("*Diagnostics*\n```%s```", a.Diagnostics)))
	}

	if len(a.Controls) > 0 {
		blocks.add(divider(), section("*Remediation Options*"), actionElements(a.Controls))
	}

	footer := []string{fmt.Sprintf("*Timestamp:* %s", time.Now().Format("2006-01-02 15:04:05"))}
	if a.Severity != "" {
		footer = append(footer, fmt.Sprintf("*Severity:* %s", a.Severity))
	}
	blocks.add(divider(), contextFooter(footer...))

	return blocks
}

func actionElements(controls []Control) map[string]any {
	elems := make([]map[string]any, 0, len(controls))
	for _, c := range controls {
		btn := map[string]any{
			"type":      "button",
			"text":      map[string]any{"type": "plain_text", "text": c.Label, "emoji": true},
			"action_id": c.ActionID,
			"value":     c.Value,
		}
		if c.Primary {
			btn["style"] = "primary"
		}
		if c.ConfirmText != "" {
			btn["confirm"] = map[string]any{
				"title":   map[string]any{"type": "plain_text", "text": "Confirm"},
				"text":    map[string]any{"type": "mrkdwn", "text": c.ConfirmText},
				"confirm": map[string]any{"type": "plain_text", "text": "Yes"},
				"deny":    map[string]any{"type": "plain_text", "text": "Cancel"},
			}
		}
		elems = append(elems, btn)
	}
	return map[string]any{"type": "actions", "elements": elems}
}

// errorBlocks renders a device-connection failure message.
func errorBlocks(host, errText string) blockList {
	var blocks blockList
	blocks.add(
		header(fmt.Sprintf("Error connecting to %s", host)),
		divider(),
		section(fmt.Sprintf("*Error Message:*\n```%s```", strings.TrimSpace(errText))),
	)

	if tips := troubleshootingTips(errText); tips != "" {
		blocks.add(section(fmt.Sprintf("*Troubleshooting Tips:*\n%s", tips)))
	}

	blocks.add(divider(), contextFooter(fmt.Sprintf("*Time:* %s", time.Now().Format("2006-01-02 15:04:05"))))
	return blocks
}

// troubleshootingTips maps common failure text to operator hints.
func troubleshootingTips(errText string) string {
	lower := strings.ToLower(errText)
	var tips []string
	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		tips = []string{
			"• Check if the device is reachable (ping)",
			"• Verify SSH service is running on the device",
			"• Check network connectivity and firewall rules",
		}
	case strings.Contains(lower, "unable to authenticate") || strings.Contains(lower, "authentication"):
		tips = []string{
			"• Verify username and password are correct",
			"• Check if the account is locked or disabled",
		}
	case strings.Contains(lower, "connection refused"):
		tips = []string{
			"• Verify SSH service is running on the configured port",
			"• Check firewall settings on the device",
		}
	default:
		tips = []string{
			"• Verify network connectivity to the device",
			"• Check credentials in the configuration",
			"• Ensure SSH access is enabled on the device",
		}
	}
	return strings.Join(tips, "\n")
}
