package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmend/netmend/internal/config"
	"github.com/netmend/netmend/internal/device"
	"github.com/netmend/netmend/internal/notify"
)

// Status is the lifecycle state of a remediation attempt.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusNotified  Status = "notified"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusResolved  Status = "resolved"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions occur for this status.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Failure reasons recorded on terminal attempts and surfaced to operators.
const (
	ReasonDeviceUnreachable      = "device_unreachable"
	ReasonCommandRejected        = "command_rejected"
	ReasonRemediationIneffective = "remediation_ineffective"
	ReasonNotificationFailed     = "notification_failed"
	ReasonAcknowledged           = "acknowledged"
	ReasonInterfaceRecovered     = "interface_recovered"
	ReasonRemediated             = "remediated"
)

// Attempt is the unit of work: one tracked remediation of one interface on
// one device. Mutated only by the Orchestrator, under the correlation-key
// lock.
type Attempt struct {
	ID            string
	Device        string
	Interface     string
	ObservedState device.InterfaceState
	Mode          config.Mode
	Status        Status
	Reason        string
	Diagnostics   string
	MessageRef    notify.MessageRef
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Key           string
}

func newAttempt(dev, iface string, state device.InterfaceState, mode config.Mode) *Attempt {
	now := time.Now().UTC()
	return &Attempt{
		ID:            uuid.NewString(),
		Device:        dev,
		Interface:     iface,
		ObservedState: state,
		Mode:          mode,
		Status:        StatusDetected,
		CreatedAt:     now,
		UpdatedAt:     now,
		Key:           CorrelationKey(dev, iface),
	}
}

// snapshot returns a copy safe to hand out without the key lock.
func (a *Attempt) snapshot() Attempt { return *a }

// CorrelationKey normalizes a (device, interface) pair into the identifier
// for "this interface on this device right now". Case- and
// whitespace-insensitive.
func CorrelationKey(dev, iface string) string {
	return strings.ToLower(strings.TrimSpace(dev)) + "|" + strings.ToLower(strings.TrimSpace(iface))
}

// keyedMutex provides one exclusive lock per correlation key. Entries are
// reference-counted and removed when the last holder releases, so the map
// does not grow with the set of keys ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock acquires the exclusive lock for key and returns its release function.
func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
