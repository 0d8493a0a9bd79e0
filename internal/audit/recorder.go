package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/netmend/netmend/internal/event"
	"github.com/netmend/netmend/internal/orchestrator"
)

// Recorder bridges attempt lifecycle events from the bus into the store.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder writing to the given store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Subscribe attaches the recorder to all orchestrator topics. The returned
// function detaches it again.
func (r *Recorder) Subscribe(bus *event.Bus) (unsubscribe func()) {
	topics := []string{
		orchestrator.TopicAttemptCreated,
		orchestrator.TopicAttemptCoalesced,
		orchestrator.TopicAttemptResolved,
		orchestrator.TopicAttemptFailed,
		orchestrator.TopicActionReceived,
	}

	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		unsubs = append(unsubs, bus.Subscribe(t, r.handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e event.Event) {
	entry := &Entry{
		AttemptID: e.Payload["attempt_id"],
		Device:    e.Payload["device"],
		Interface: e.Payload["interface"],
		EventType: e.Topic,
		Status:    e.Payload["status"],
		Reason:    e.Payload["reason"],
		Actor:     e.Payload["actor"],
		Timestamp: e.Timestamp,
	}
	if err := r.store.Insert(ctx, entry); err != nil {
		r.logger.Warn("failed to write audit entry",
			zap.String("topic", e.Topic),
			zap.Error(err),
		)
	}
}
