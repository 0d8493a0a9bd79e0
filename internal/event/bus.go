// Package event provides the in-process pub/sub bus carrying attempt
// lifecycle events to decoupled consumers such as the audit recorder.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one published occurrence.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   map[string]string
}

// Handler processes one event. Handlers must not block for long; Publish is
// synchronous.
type Handler func(ctx context.Context, e Event)

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Bus is an in-memory event bus. Publish dispatches in the caller's
// goroutine; a panicking handler is recovered and logged, never propagated.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	logger   *zap.Logger
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all handlers of its topic.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	entries := make([]handlerEntry, len(b.handlers[e.Topic]))
	copy(entries, b.handlers[e.Topic])
	b.mu.RUnlock()

	for _, h := range entries {
		b.safeCall(ctx, h.handler, e)
	}
}

// Subscribe registers a handler for a topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}
