package device

import (
	"regexp"
	"strings"
)

// InterfaceState is the observed state extracted from an event message.
type InterfaceState string

const (
	StateDown InterfaceState = "down"
	StateUp   InterfaceState = "up"
)

// eventPattern matches the Cisco LINEPROTO/LINK syslog body, e.g.
// "Line protocol on Interface GigabitEthernet0/1, changed state to down".
var eventPattern = regexp.MustCompile(`Interface (\S+), changed state to (down|up)`)

// ParseInterfaceEvent extracts the interface name and state from a raw
// syslog event message. Returns *ParseError when the message does not match.
func ParseInterfaceEvent(message string) (string, InterfaceState, error) {
	m := eventPattern.FindStringSubmatch(message)
	if m == nil {
		return "", "", &ParseError{Message: message}
	}
	return m[1], InterfaceState(m[2]), nil
}

// InterfaceStatus is the parsed administrative and operational state from a
// "show interfaces" reading.
type InterfaceStatus struct {
	Name       string
	AdminDown  bool
	LinkUp     bool
	ProtocolUp bool
}

// Down reports whether the interface is not passing traffic.
func (s InterfaceStatus) Down() bool {
	return !s.LinkUp || !s.ProtocolUp
}

// statusPattern matches the first line of "show interfaces <name>", e.g.
// "GigabitEthernet0/1 is administratively down, line protocol is down".
var statusPattern = regexp.MustCompile(`(\S+) is ([a-z ]+), line protocol is (\w+)`)

// ParseInterfaceStatus parses the state summary out of "show interfaces"
// output. Returns *CommandError when no status line is present, which
// usually means the interface name was invalid.
func ParseInterfaceStatus(output string) (InterfaceStatus, error) {
	m := statusPattern.FindStringSubmatch(output)
	if m == nil {
		return InterfaceStatus{}, &CommandError{
			Command: "show interfaces",
			Output:  strings.TrimSpace(output),
		}
	}
	linkState := strings.TrimSpace(m[2])
	return InterfaceStatus{
		Name:       m[1],
		AdminDown:  linkState == "administratively down",
		LinkUp:     linkState == "up",
		ProtocolUp: m[3] == "up",
	}, nil
}

var descriptionPattern = regexp.MustCompile(`Description: (.+)`)

// extractDescription pulls the description text out of filtered
// "show interfaces" output. Empty when the interface has no description.
func extractDescription(output string) string {
	m := descriptionPattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
