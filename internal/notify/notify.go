// Package notify builds and delivers chat notifications for remediation
// attempts, and updates previously posted messages in place.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/netmend/netmend/internal/config"
)

const defaultAPIBase = "https://slack.com/api"

// MessageRef is an opaque reference to a posted message, used to update it
// later. Whichever fields are populated depends on the delivery path: bot
// token posts carry channel+timestamp, action callbacks carry a response URL.
type MessageRef struct {
	Channel     string `json:"channel,omitempty"`
	Timestamp   string `json:"ts,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// Zero reports whether the reference identifies no message.
func (r MessageRef) Zero() bool {
	return r.Channel == "" && r.Timestamp == "" && r.ResponseURL == ""
}

// Merge fills empty fields of r from other. A response URL learned from an
// action callback is combined with the channel/timestamp captured at post
// time so updates land on the original message.
func (r MessageRef) Merge(other MessageRef) MessageRef {
	if r.Channel == "" {
		r.Channel = other.Channel
	}
	if r.Timestamp == "" {
		r.Timestamp = other.Timestamp
	}
	if r.ResponseURL == "" {
		r.ResponseURL = other.ResponseURL
	}
	return r
}

// Control is one action button attached to an alert.
type Control struct {
	Label    string
	ActionID string
	Value    string
	Primary  bool
	// ConfirmText, when set, makes the chat client ask before submitting.
	ConfirmText string
}

// Alert is the outbound payload for one interface event.
type Alert struct {
	Device       string
	Interface    string
	State        string
	Description  string
	EventMessage string
	Mnemonic     string
	Severity     string
	Diagnostics  string
	Controls     []Control
}

// Outcome is a terminal or interim status line that replaces an alert.
type Outcome struct {
	Text    string
	Success bool
}

// Notifier delivers notifications to a Slack-compatible endpoint, via either
// an incoming-webhook URL or a bot token (chat.postMessage / chat.update).
type Notifier struct {
	cfg      config.NotifySettings
	client   *http.Client
	logger   *zap.Logger
	botToken bool

	// apiBase is the Slack Web API root. Overridden in tests.
	apiBase string
}

// New creates a Notifier for the configured target.
func New(cfg config.NotifySettings, logger *zap.Logger) *Notifier {
	n := &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		botToken: strings.HasPrefix(cfg.Target, "xoxb-"),
		apiBase:  defaultAPIBase,
	}
	if n.botToken {
		logger.Info("using bot token for notifications (message updates supported)")
	} else {
		logger.Info("using incoming-webhook URL for notifications")
	}
	return n
}

// PostAlert renders and delivers the alert. The returned MessageRef is usable
// for later in-place updates; it is zero when the delivery path cannot
// address individual messages (plain webhooks).
func (n *Notifier) PostAlert(ctx context.Context, a Alert) (MessageRef, error) {
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color":  alertColor(a.State),
			"blocks": alertBlocks(a),
		}},
	}
	return n.post(ctx, payload)
}

// PostError delivers a connection-failure notification with troubleshooting
// tips derived from the error text.
func (n *Notifier) PostError(ctx context.Context, host, errText string) (MessageRef, error) {
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color":  colorDanger,
			"blocks": errorBlocks(host, errText),
		}},
	}
	return n.post(ctx, payload)
}

// Update replaces the referenced message content with the outcome text.
// Safe to call repeatedly; each call supersedes the previous content.
// Delivery failures are logged and swallowed, never escalated: whether the
// report about a remediation was deliverable is independent of the
// remediation itself.
func (n *Notifier) Update(ctx context.Context, ref MessageRef, o Outcome) {
	color := colorSuccess
	if !o.Success {
		color = colorDanger
	}

	switch {
	case ref.ResponseURL != "":
		payload := map[string]any{
			"text":             o.Text,
			"replace_original": true,
			"attachments": []map[string]any{{
				"color": color,
				"text":  o.Text,
			}},
		}
		if err := n.send(ctx, ref.ResponseURL, "", payload); err != nil {
			n.logger.Warn("message update via response URL failed", zap.Error(err))
		}
	case n.botToken && ref.Channel != "" && ref.Timestamp != "":
		payload := map[string]any{
			"channel": ref.Channel,
			"ts":      ref.Timestamp,
			"text":    o.Text,
			"attachments": []map[string]any{{
				"color": color,
				"text":  o.Text,
			}},
		}
		if err := n.send(ctx, n.apiBase+"/chat.update", n.cfg.Target, payload); err != nil {
			n.logger.Warn("chat.update failed", zap.Error(err))
		}
	default:
		// No addressable original; post the outcome as a fresh message so
		// the operator still sees it.
		if _, err := n.post(ctx, map[string]any{
			"attachments": []map[string]any{{"color": color, "text": o.Text}},
		}); err != nil {
			n.logger.Warn("outcome notification failed", zap.Error(err))
		}
	}
}

// post delivers a payload through the configured target and extracts a
// MessageRef when the API returns one.
func (n *Notifier) post(ctx context.Context, payload map[string]any) (MessageRef, error) {
	if n.botToken {
		payload["channel"] = n.cfg.Channel
		if _, ok := payload["text"]; !ok {
			payload["text"] = "Interface alert"
		}
		body, err := n.do(ctx, n.apiBase+"/chat.postMessage", n.cfg.Target, payload)
		if err != nil {
			return MessageRef{}, err
		}
		var resp struct {
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
			Channel string `json:"channel"`
			TS      string `json:"ts"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return MessageRef{}, fmt.Errorf("decode chat.postMessage response: %w", err)
		}
		if !resp.OK {
			return MessageRef{}, fmt.Errorf("chat.postMessage: %s", resp.Error)
		}
		return MessageRef{Channel: resp.Channel, Timestamp: resp.TS}, nil
	}

	if err := n.send(ctx, n.cfg.Target, "", payload); err != nil {
		return MessageRef{}, err
	}
	return MessageRef{}, nil
}

func (n *Notifier) send(ctx context.Context, url, token string, payload map[string]any) error {
	_, err := n.do(ctx, url, token, payload)
	return err
}

func (n *Notifier) do(ctx context.Context, url, token string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read notification response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("notification endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	n.logger.Debug("notification delivered", zap.Int("status", resp.StatusCode))
	return respBody, nil
}
