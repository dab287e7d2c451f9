// ABOUTME: In-process typed pub/sub bus with panic-isolated handlers
// ABOUTME: Synchronous insertion-order delivery plus optional cross-process mirroring

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muster/internal/metrics"
)

// EventType identifies the kind of coordination event.
type EventType string

// Event types published by the coordination core.
const (
	TaskCreated      EventType = "task_created"
	TaskAssigned     EventType = "task_assigned"
	TaskCompleted    EventType = "task_completed"
	TaskFailed       EventType = "task_failed"
	AgentHeartbeat   EventType = "agent_heartbeat"
	ConflictDetected EventType = "conflict_detected"
	RequestPending   EventType = "request_pending"
	RequestResolved  EventType = "request_resolved"
)

// Event is the unit carried by the bus.
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and should not block.
type Handler func(Event)

// Subscription is the handle returned by Subscribe, usable to unsubscribe.
type Subscription struct {
	id        string
	eventType EventType
}

// Mirror forwards events to a cross-process transport.
type Mirror interface {
	Forward(eventType EventType, data []byte) error
}

type subscriber struct {
	id      string
	handler Handler
}

// Bus delivers typed events to registered handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscriber
	mirror Mirror
	logger *slog.Logger
}

// New creates a bus. Pass nil logger for the default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[EventType][]subscriber),
		logger: logger.With("component", "bus"),
	}
}

// AttachMirror sets the cross-process mirror. Call before any Publish.
func (b *Bus) AttachMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a handler for an event type. Handlers for the same
// type are invoked in the order they subscribed.
func (b *Bus) Subscribe(t EventType, h Handler) *Subscription {
	sub := subscriber{id: uuid.New().String(), handler: h}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "event_type", t, "sub_id", sub.id)
	return &Subscription{id: sub.id, eventType: t}
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			b.logger.Debug("subscriber removed", "event_type", sub.eventType, "sub_id", sub.id)
			return
		}
	}
}

// Publish delivers the event to all subscribers of its type. Subscriber
// panics are recovered and logged, never propagated. If a mirror is
// attached and fails, Publish returns the mirror error after local
// delivery so the caller can decide whether to retry.
func (b *Bus) Publish(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]subscriber, len(b.subs[ev.Type]))
	copy(targets, b.subs[ev.Type])
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, ev)
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	if mirror != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event for mirror: %w", err)
		}
		if err := mirror.Forward(ev.Type, data); err != nil {
			return fmt.Errorf("mirroring event: %w", err)
		}
	}

	return nil
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"event_type", ev.Type,
				"sub_id", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ev)
}
