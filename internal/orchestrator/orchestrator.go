// Package orchestrator turns raw interface-down detections into tracked
// remediation attempts and drives each attempt to a terminal outcome,
// serializing all work per (device, interface) correlation key.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netmend/netmend/internal/action"
	"github.com/netmend/netmend/internal/config"
	"github.com/netmend/netmend/internal/device"
	"github.com/netmend/netmend/internal/event"
	"github.com/netmend/netmend/internal/notify"
)

// Event topics published on the bus.
const (
	TopicAttemptCreated   = "attempt.created"
	TopicAttemptCoalesced = "attempt.coalesced"
	TopicAttemptResolved  = "attempt.resolved"
	TopicAttemptFailed    = "attempt.failed"
	TopicActionReceived   = "action.received"
)

// ErrStaleAction reports an action against an attempt that is no longer
// actionable. The user-visible reply is "this alert has expired".
var ErrStaleAction = errors.New("action refers to an attempt that is no longer actionable")

// DeviceSession is the orchestrator's view of one live device connection.
// Satisfied by *device.Session; faked in tests.
type DeviceSession interface {
	Status(ctx context.Context, iface string) (device.InterfaceStatus, error)
	Description(ctx context.Context, iface string) (string, error)
	Remediate(ctx context.Context, iface string) error
	Close() error
}

// ConnectFunc opens a session to a device. Wired to device.Manager.Connect.
type ConnectFunc func(ctx context.Context, host string) (DeviceSession, error)

// Notifier is the orchestrator's view of the notification dispatcher.
// Satisfied by *notify.Notifier; faked in tests.
type Notifier interface {
	PostAlert(ctx context.Context, a notify.Alert) (notify.MessageRef, error)
	PostError(ctx context.Context, host, errText string) (notify.MessageRef, error)
	Update(ctx context.Context, ref notify.MessageRef, o notify.Outcome)
}

// Detection is the inbound trigger payload from the upstream event source.
type Detection struct {
	Host     string
	Message  string
	Severity string
	Mnemonic string
}

// Reply is the user-visible answer to an inbound action.
type Reply struct {
	Text      string
	Status    Status
	Duplicate bool
}

// Orchestrator is the remediation state machine.
type Orchestrator struct {
	mode     config.Mode
	connect  ConnectFunc
	notifier Notifier
	bus      *event.Bus
	logger   *zap.Logger

	keys     *keyedMutex
	attempts *attemptMap
}

// attemptMap stores attempts by correlation key. Individual attempts are
// still guarded by the per-key lock; this map only guards its own structure.
type attemptMap struct {
	mu sync.Mutex
	m  map[string]*Attempt
}

// New creates an orchestrator.
func New(mode config.Mode, connect ConnectFunc, notifier Notifier, bus *event.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		mode:     mode,
		connect:  connect,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
		keys:     newKeyedMutex(),
		attempts: &attemptMap{m: make(map[string]*Attempt)},
	}
}

// HandleDetection processes one detected interface event end to end:
// parse, coalesce, confirm over a single device session, and either
// remediate immediately (auto mode) or post an actionable alert.
func (o *Orchestrator) HandleDetection(ctx context.Context, d Detection) (Attempt, error) {
	iface, state, err := device.ParseInterfaceEvent(d.Message)
	if err != nil {
		o.logger.Warn("unparsable event message",
			zap.String("host", d.Host),
			zap.String("message", d.Message),
		)
		return Attempt{}, err
	}

	if state == device.StateUp {
		o.handleRecovery(ctx, d, iface)
		return Attempt{}, nil
	}

	key := CorrelationKey(d.Host, iface)
	unlock := o.keys.lock(key)

	if existing := o.attempts.get(key); existing != nil && !existing.Status.Terminal() {
		// Duplicate detection for an in-flight attempt (repeated syslog
		// lines for the same flap): refresh timestamps, touch nothing else.
		existing.UpdatedAt = time.Now().UTC()
		snap := existing.snapshot()
		unlock()

		detectionsCoalescedTotal.Inc()
		o.publish(ctx, TopicAttemptCoalesced, &snap, "")
		o.logger.Info("detection coalesced into existing attempt",
			zap.String("attempt_id", snap.ID),
			zap.String("key", key),
		)
		return snap, nil
	}

	att := newAttempt(d.Host, iface, state, o.mode)
	o.attempts.put(att)
	snap := att.snapshot()
	unlock()

	o.publish(ctx, TopicAttemptCreated, &snap, "")
	o.logger.Info("remediation attempt created",
		zap.String("attempt_id", att.ID),
		zap.String("device", att.Device),
		zap.String("interface", att.Interface),
		zap.String("mode", string(att.Mode)),
	)

	return o.confirmAndProceed(ctx, att, d)
}

// confirmAndProceed opens one device session for this operation, confirms
// the interface state, and runs the mode-appropriate next step. The session
// is released on every exit path.
func (o *Orchestrator) confirmAndProceed(ctx context.Context, att *Attempt, d Detection) (Attempt, error) {
	sess, err := o.connect(ctx, att.Device)
	if err != nil {
		return o.failUnreachable(ctx, att, err), nil
	}
	defer sess.Close()

	status, err := sess.Status(ctx, att.Interface)
	if err != nil {
		return o.finalize(ctx, att, StatusFailed, ReasonCommandRejected, &notify.Outcome{
			Text: fmt.Sprintf("Could not confirm state of `%s` on `%s`: %v", att.Interface, att.Device, err),
		}), nil
	}

	desc, err := sess.Description(ctx, att.Interface)
	if err != nil {
		o.logger.Debug("interface description unavailable", zap.Error(err))
	}

	if !status.Down() {
		return o.finalize(ctx, att, StatusResolved, ReasonInterfaceRecovered, &notify.Outcome{
			Text:    fmt.Sprintf("Interface `%s` on `%s` is already back up; no remediation needed.", att.Interface, att.Device),
			Success: true,
		}), nil
	}

	if o.mode == config.ModeAuto {
		return o.executeOn(ctx, att, sess), nil
	}

	return o.notifyInteractive(ctx, att, d, desc), nil
}

// notifyInteractive posts the actionable alert and moves the attempt from
// Detected to Notified. An alert that fails to deliver fails the attempt:
// nobody saw the controls, so the key must be re-admitted by the next
// detection rather than coalesce into an alert that never reached anyone.
func (o *Orchestrator) notifyInteractive(ctx context.Context, att *Attempt, d Detection, desc string) Attempt {
	alert := notify.Alert{
		Device:       att.Device,
		Interface:    att.Interface,
		State:        string(att.ObservedState),
		Description:  desc,
		EventMessage: d.Message,
		Mnemonic:     d.Mnemonic,
		Severity:     d.Severity,
	}

	if value, err := action.EncodeValue(att.Device, att.Interface); err != nil {
		o.logger.Error("cannot encode action value, posting alert without controls", zap.Error(err))
	} else {
		alert.Controls = []notify.Control{
			{
				Label:    "Remediate Interface",
				ActionID: action.ActionFix,
				Value:    value,
				Primary:  true,
				ConfirmText: fmt.Sprintf("Bring up interface `%s` on `%s`?",
					att.Interface, att.Device),
			},
			{
				Label:    "Acknowledge",
				ActionID: action.ActionAcknowledge,
				Value:    value,
			},
		}
	}

	ref, err := o.notifier.PostAlert(ctx, alert)
	if err != nil {
		o.logger.Error("alert delivery failed", zap.String("attempt_id", att.ID), zap.Error(err))
		return o.finalize(ctx, att, StatusFailed, ReasonNotificationFailed, nil)
	}

	unlock := o.keys.lock(att.Key)
	defer unlock()
	// Advance only a still-Detected attempt; never overwrite a state an
	// operator action has already moved past Detected.
	if att.Status == StatusDetected {
		att.Status = StatusNotified
		att.MessageRef = ref
		att.UpdatedAt = time.Now().UTC()
	}
	return att.snapshot()
}

// HandleAction processes one verified, decoded operator action. Concurrent
// duplicates are resolved by re-checking the attempt state under the key
// lock before deciding to execute, reject, or reply idempotently.
func (o *Orchestrator) HandleAction(ctx context.Context, req *action.Request) (Reply, error) {
	key := CorrelationKey(req.Device, req.Interface)
	callbackRef := notify.MessageRef{
		ResponseURL: req.ResponseURL,
		Channel:     req.Channel,
		Timestamp:   req.MessageTS,
	}

	o.publishAction(ctx, req)

	unlock := o.keys.lock(key)

	att := o.attempts.get(key)
	if att == nil || att.Status == StatusFailed {
		unlock()
		actionsTotal.WithLabelValues(req.Action, "stale").Inc()
		// A failed attempt is not silently retried; only a fresh detection
		// re-admits this key.
		o.notifier.Update(ctx, callbackRef, notify.Outcome{
			Text: fmt.Sprintf("This alert has expired. Interface `%s` on `%s` is no longer actionable; a new alert will be raised if the problem recurs.",
				req.Interface, req.Device),
		})
		return Reply{Text: "alert expired"}, ErrStaleAction
	}

	// Thread the callback address into the stored reference so outcome
	// updates replace the original alert.
	att.MessageRef = att.MessageRef.Merge(callbackRef)

	switch req.Action {
	case action.ActionAcknowledge:
		return o.acknowledge(ctx, att, req, unlock)
	case action.ActionFix:
		return o.approveFix(ctx, att, req, unlock)
	default:
		unlock()
		return Reply{}, &action.MalformedError{Reason: "unknown action " + req.Action}
	}
}

// acknowledge closes the attempt without touching the device.
func (o *Orchestrator) acknowledge(ctx context.Context, att *Attempt, req *action.Request, unlock func()) (Reply, error) {
	switch att.Status {
	case StatusDetected:
		return o.replyPending(att, req, unlock)

	case StatusNotified:
		att.Status = StatusResolved
		att.Reason = ReasonAcknowledged
		att.UpdatedAt = time.Now().UTC()
		snap := att.snapshot()
		unlock()

		actionsTotal.WithLabelValues(req.Action, "acknowledged").Inc()
		attemptsTotal.WithLabelValues(string(StatusResolved), ReasonAcknowledged).Inc()
		o.publish(ctx, TopicAttemptResolved, &snap, req.UserID)
		o.notifier.Update(ctx, snap.MessageRef, notify.Outcome{
			Text: fmt.Sprintf("Alert for interface `%s` on `%s` acknowledged; no remediation performed.",
				snap.Interface, snap.Device),
			Success: true,
		})
		return Reply{Text: "acknowledged", Status: StatusResolved}, nil

	case StatusApproved, StatusExecuting:
		snap := att.snapshot()
		unlock()
		actionsTotal.WithLabelValues(req.Action, "duplicate").Inc()
		return Reply{
			Text:      fmt.Sprintf("Remediation of `%s` on `%s` is already in progress.", snap.Interface, snap.Device),
			Status:    snap.Status,
			Duplicate: true,
		}, nil

	default: // StatusResolved
		snap := att.snapshot()
		unlock()
		actionsTotal.WithLabelValues(req.Action, "duplicate").Inc()
		return Reply{
			Text:      fmt.Sprintf("Alert for `%s` on `%s` was already closed (%s).", snap.Interface, snap.Device, snap.Reason),
			Status:    snap.Status,
			Duplicate: true,
		}, nil
	}
}

// approveFix transitions Notified to Approved to Executing under the key
// lock, then performs the device work outside it. Duplicate clicks observe
// the Executing state and reply idempotently without re-executing. An
// attempt still in Detected is not yet approvable: its confirmation step is
// in flight and the click can only be a leftover button from an earlier
// alert for the same key.
func (o *Orchestrator) approveFix(ctx context.Context, att *Attempt, req *action.Request, unlock func()) (Reply, error) {
	switch att.Status {
	case StatusDetected:
		return o.replyPending(att, req, unlock)

	case StatusNotified:
		att.Status = StatusApproved
		att.UpdatedAt = time.Now().UTC()
		att.Status = StatusExecuting
		ref := att.MessageRef
		unlock()

		actionsTotal.WithLabelValues(req.Action, "executed").Inc()
		o.logger.Info("remediation approved",
			zap.String("attempt_id", att.ID),
			zap.String("user", req.UserID),
		)

		o.notifier.Update(ctx, ref, notify.Outcome{
			Text: fmt.Sprintf("Processing: bringing up interface `%s` on `%s`...",
				att.Interface, att.Device),
			Success: true,
		})

		snap := o.execute(ctx, att)
		return Reply{Text: outcomeText(snap), Status: snap.Status}, nil

	case StatusApproved, StatusExecuting:
		snap := att.snapshot()
		unlock()
		actionsTotal.WithLabelValues(req.Action, "duplicate").Inc()
		return Reply{
			Text:      fmt.Sprintf("Remediation of `%s` on `%s` is already in progress; no second command was sent.", snap.Interface, snap.Device),
			Status:    snap.Status,
			Duplicate: true,
		}, nil

	default: // StatusResolved
		snap := att.snapshot()
		unlock()
		actionsTotal.WithLabelValues(req.Action, "duplicate").Inc()
		return Reply{
			Text:      fmt.Sprintf("Interface `%s` on `%s` was already handled (%s).", snap.Interface, snap.Device, snap.Reason),
			Status:    snap.Status,
			Duplicate: true,
		}, nil
	}
}

// replyPending answers an action that arrived before the attempt finished
// its confirmation step. Nothing is mutated; the operator retries once the
// alert for this attempt is posted.
func (o *Orchestrator) replyPending(att *Attempt, req *action.Request, unlock func()) (Reply, error) {
	snap := att.snapshot()
	unlock()
	actionsTotal.WithLabelValues(req.Action, "pending").Inc()
	return Reply{
		Text: fmt.Sprintf("Interface `%s` on `%s` is still being confirmed; this alert is not actionable yet.",
			snap.Interface, snap.Device),
		Status:    snap.Status,
		Duplicate: true,
	}, nil
}

// execute acquires a fresh session for this attempt, remediates, and maps
// the result to a terminal state. Caller must have set StatusExecuting.
func (o *Orchestrator) execute(ctx context.Context, att *Attempt) Attempt {
	sess, err := o.connect(ctx, att.Device)
	if err != nil {
		return o.failUnreachable(ctx, att, err)
	}
	defer sess.Close()

	return o.executeOn(ctx, att, sess)
}

// executeOn remediates over an already-open session and finalizes the
// attempt. The caller owns the session's release.
func (o *Orchestrator) executeOn(ctx context.Context, att *Attempt, sess DeviceSession) Attempt {
	unlock := o.keys.lock(att.Key)
	if att.Status.Terminal() {
		snap := att.snapshot()
		unlock()
		return snap
	}
	att.Status = StatusExecuting
	att.UpdatedAt = time.Now().UTC()
	unlock()

	err := sess.Remediate(ctx, att.Interface)
	switch {
	case err == nil:
		return o.finalize(ctx, att, StatusResolved, ReasonRemediated, &notify.Outcome{
			Text: fmt.Sprintf("Interface `%s` on `%s` was brought back up successfully.",
				att.Interface, att.Device),
			Success: true,
		})

	case errors.Is(err, device.ErrRemediationIneffective):
		return o.finalize(ctx, att, StatusFailed, ReasonRemediationIneffective, &notify.Outcome{
			Text: fmt.Sprintf("Remediation of `%s` on `%s` was accepted by the device but the interface remained down. Manual intervention is required.",
				att.Interface, att.Device),
		})

	default:
		var connErr *device.ConnectionError
		if errors.As(err, &connErr) {
			return o.failUnreachable(ctx, att, err)
		}
		return o.finalize(ctx, att, StatusFailed, ReasonCommandRejected, &notify.Outcome{
			Text: fmt.Sprintf("Failed to bring up interface `%s` on `%s`: %v",
				att.Interface, att.Device, err),
		})
	}
}

// failUnreachable terminates an attempt whose device could not be reached,
// attaching connection diagnostics to the operator-facing report.
func (o *Orchestrator) failUnreachable(ctx context.Context, att *Attempt, err error) Attempt {
	var connErr *device.ConnectionError
	diag := ""
	if errors.As(err, &connErr) {
		diag = connErr.Diagnostics
	}

	unlock := o.keys.lock(att.Key)
	att.Diagnostics = diag
	ref := att.MessageRef
	unlock()

	if ref.Zero() {
		// No alert exists to update; post the full connection-error notice
		// with troubleshooting detail instead.
		errText := err.Error()
		if diag != "" {
			errText += "\n" + diag
		}
		if _, perr := o.notifier.PostError(ctx, att.Device, errText); perr != nil {
			o.logger.Warn("connection error notification failed", zap.Error(perr))
		}
		return o.finalize(ctx, att, StatusFailed, ReasonDeviceUnreachable, nil)
	}

	text := fmt.Sprintf("Device `%s` is unreachable: %v", att.Device, err)
	if diag != "" {
		text += "\n```" + diag + "```"
	}
	return o.finalize(ctx, att, StatusFailed, ReasonDeviceUnreachable, &notify.Outcome{Text: text})
}

// finalize records the terminal transition exactly once and sends the single
// outcome notification, reusing the original alert's reference when one
// exists. Safe against racing finalizers: the first one wins.
func (o *Orchestrator) finalize(ctx context.Context, att *Attempt, status Status, reason string, outcome *notify.Outcome) Attempt {
	unlock := o.keys.lock(att.Key)
	if att.Status.Terminal() {
		snap := att.snapshot()
		unlock()
		return snap
	}
	att.Status = status
	att.Reason = reason
	att.UpdatedAt = time.Now().UTC()
	snap := att.snapshot()
	unlock()

	attemptsTotal.WithLabelValues(string(status), reason).Inc()
	topic := TopicAttemptFailed
	if status == StatusResolved {
		topic = TopicAttemptResolved
	}
	o.publish(ctx, topic, &snap, "")

	o.logger.Info("attempt reached terminal state",
		zap.String("attempt_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.String("reason", snap.Reason),
	)

	if outcome != nil {
		o.notifier.Update(ctx, snap.MessageRef, *outcome)
	}
	return snap
}

// handleRecovery reports an interface that came back up on its own. No
// attempt is created; an in-flight attempt for the key is left to its own
// confirmation step, which will observe the recovered state.
func (o *Orchestrator) handleRecovery(ctx context.Context, d Detection, iface string) {
	o.logger.Info("interface recovered",
		zap.String("host", d.Host),
		zap.String("interface", iface),
	)
	if _, err := o.notifier.PostAlert(ctx, notify.Alert{
		Device:       d.Host,
		Interface:    iface,
		State:        string(device.StateUp),
		EventMessage: d.Message,
		Mnemonic:     d.Mnemonic,
		Severity:     d.Severity,
	}); err != nil {
		o.logger.Warn("recovery notification failed", zap.Error(err))
	}
}

// Attempts returns a snapshot of all currently tracked attempts. Each copy
// is taken under its correlation-key lock; key locks are never held across
// blocking work, so this cannot stall on in-flight operations.
func (o *Orchestrator) Attempts() []Attempt {
	keys := o.attempts.keys()
	out := make([]Attempt, 0, len(keys))
	for _, k := range keys {
		unlock := o.keys.lock(k)
		if a := o.attempts.get(k); a != nil {
			out = append(out, a.snapshot())
		}
		unlock()
	}
	return out
}

// SweepTerminal drops terminal attempts last updated before the retention
// window. Returns the number removed.
func (o *Orchestrator) SweepTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, k := range o.attempts.keys() {
		unlock := o.keys.lock(k)
		if a := o.attempts.get(k); a != nil && a.Status.Terminal() && a.UpdatedAt.Before(cutoff) {
			o.attempts.remove(k)
			n++
		}
		unlock()
	}
	return n
}

func outcomeText(a Attempt) string {
	switch {
	case a.Status == StatusResolved:
		return fmt.Sprintf("interface %s on %s resolved (%s)", a.Interface, a.Device, a.Reason)
	default:
		return fmt.Sprintf("remediation of %s on %s failed (%s)", a.Interface, a.Device, a.Reason)
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, a *Attempt, actor string) {
	if o.bus == nil {
		return
	}
	payload := map[string]string{
		"attempt_id": a.ID,
		"device":     a.Device,
		"interface":  a.Interface,
		"status":     string(a.Status),
		"reason":     a.Reason,
	}
	if actor != "" {
		payload["actor"] = actor
	}
	o.bus.Publish(ctx, event.Event{Topic: topic, Source: "orchestrator", Payload: payload})
}

func (o *Orchestrator) publishAction(ctx context.Context, req *action.Request) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, event.Event{
		Topic:  TopicActionReceived,
		Source: "orchestrator",
		Payload: map[string]string{
			"action":    req.Action,
			"device":    req.Device,
			"interface": req.Interface,
			"actor":     req.UserID,
		},
	})
}

// attemptMap methods.

func (m *attemptMap) get(key string) *Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[key]
}

func (m *attemptMap) put(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[a.Key] = a
}

func (m *attemptMap) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.m))
	for k := range m.m {
		out = append(out, k)
	}
	return out
}

func (m *attemptMap) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}
