// Package action verifies and decodes inbound operator actions. It is
// stateless and performs no I/O beyond reading the request; side effects
// belong to the orchestrator.
package action

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Action identifiers carried in button clicks.
const (
	ActionFix         = "fix_interface"
	ActionAcknowledge = "acknowledge"
)

// valueDelimiter joins device and interface in a button value. Neither field
// may contain it; EncodeValue and DecodeValue both enforce that.
const valueDelimiter = "|"

// AuthError reports a request that failed verification. No attempt state is
// touched for these.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "action verification failed: " + e.Reason
}

// MalformedError reports a request that verified but could not be decoded
// into a known action against a valid target.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed action request: " + e.Reason
}

// EncodeValue builds the compact button value for a target. Fields containing
// the delimiter are rejected so DecodeValue can never mis-split.
func EncodeValue(device, iface string) (string, error) {
	if strings.Contains(device, valueDelimiter) {
		return "", fmt.Errorf("device %q contains reserved delimiter %q", device, valueDelimiter)
	}
	if strings.Contains(iface, valueDelimiter) {
		return "", fmt.Errorf("interface %q contains reserved delimiter %q", iface, valueDelimiter)
	}
	if device == "" || iface == "" {
		return "", fmt.Errorf("device and interface must be non-empty")
	}
	return device + valueDelimiter + iface, nil
}

// DecodeValue splits an encoded button value back into its target.
func DecodeValue(value string) (device, iface string, err error) {
	parts := strings.SplitN(value, valueDelimiter, 3)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &MalformedError{Reason: fmt.Sprintf("invalid action value %q", value)}
	}
	return parts[0], parts[1], nil
}

// Request is the decoded, verified representation of one inbound action.
// Ephemeral: constructed per request and consumed immediately.
type Request struct {
	Action      string
	Device      string
	Interface   string
	UserID      string
	ResponseURL string
	Channel     string
	MessageTS   string
}

// interaction mirrors the subset of the Slack interaction payload we read.
type interaction struct {
	Token   string `json:"token"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	ResponseURL string `json:"response_url"`
	Channel     struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
}

// Decode parses the form-encoded interaction body into a Request. Unknown
// action identifiers and malformed values are rejected without touching any
// device.
func Decode(body []byte) (*Request, error) {
	payload, err := extractPayload(body)
	if err != nil {
		return nil, err
	}

	var in interaction
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, &MalformedError{Reason: "payload is not valid JSON"}
	}
	if len(in.Actions) == 0 {
		return nil, &MalformedError{Reason: "no action in payload"}
	}

	act := in.Actions[0]
	switch act.ActionID {
	case ActionFix, ActionAcknowledge:
	default:
		return nil, &MalformedError{Reason: fmt.Sprintf("unknown action id %q", act.ActionID)}
	}

	dev, iface, err := DecodeValue(act.Value)
	if err != nil {
		return nil, err
	}

	return &Request{
		Action:      act.ActionID,
		Device:      dev,
		Interface:   iface,
		UserID:      in.User.ID,
		ResponseURL: in.ResponseURL,
		Channel:     in.Channel.ID,
		MessageTS:   in.Message.TS,
	}, nil
}

// extractPayload pulls the payload JSON out of the form-encoded body.
func extractPayload(body []byte) (string, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return "", &MalformedError{Reason: "body is not form-encoded"}
	}
	payload := vals.Get("payload")
	if payload == "" {
		return "", &MalformedError{Reason: "missing payload field"}
	}
	return payload, nil
}
