package device

import (
	"errors"
	"fmt"
)

// ErrRemediationIneffective reports that the device accepted the remediation
// commands but the interface was still down after the settle delay. Callers
// must surface this distinctly from a rejected command so operators know the
// fix took but did not help.
var ErrRemediationIneffective = errors.New("interface still down after remediation")

// ParseError reports an event message that did not match the documented
// interface-event pattern. Unrecoverable for that event.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse interface event from message %q", e.Message)
}

// ConnectionError reports a failure to open or authenticate a device session.
// Diagnostics carries the reachability probe results gathered after the
// failure, for operator visibility.
type ConnectionError struct {
	Host        string
	Err         error
	Diagnostics string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to device %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a command the device rejected or that failed in
// transit. Output holds whatever the device returned, if anything.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q rejected by device", e.Command)
}

func (e *CommandError) Unwrap() error { return e.Err }
