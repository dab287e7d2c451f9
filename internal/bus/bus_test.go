// ABOUTME: Tests for the in-process event bus
// ABOUTME: Covers ordering, panic isolation, unsubscription, and mirror errors

package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)

	var order []int
	b.Subscribe(TaskCreated, func(Event) { order = append(order, 1) })
	b.Subscribe(TaskCreated, func(Event) { order = append(order, 2) })
	b.Subscribe(TaskCreated, func(Event) { order = append(order, 3) })

	require.NoError(t, b.Publish(Event{Type: TaskCreated, Source: "test"}))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_TypeIsolation(t *testing.T) {
	b := New(nil)

	created := 0
	completed := 0
	b.Subscribe(TaskCreated, func(Event) { created++ })
	b.Subscribe(TaskCompleted, func(Event) { completed++ })

	require.NoError(t, b.Publish(Event{Type: TaskCreated, Source: "test"}))
	require.NoError(t, b.Publish(Event{Type: TaskCreated, Source: "test"}))
	require.NoError(t, b.Publish(Event{Type: TaskCompleted, Source: "test"}))

	assert.Equal(t, 2, created)
	assert.Equal(t, 1, completed)
}

func TestBus_PanickingSubscriberDoesNotBreakPublish(t *testing.T) {
	b := New(nil)

	var delivered bool
	b.Subscribe(TaskFailed, func(Event) { panic("boom") })
	b.Subscribe(TaskFailed, func(Event) { delivered = true })

	err := b.Publish(Event{Type: TaskFailed, Source: "test"})
	require.NoError(t, err)
	assert.True(t, delivered, "later subscribers still run after a panic")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil)

	calls := 0
	sub := b.Subscribe(AgentHeartbeat, func(Event) { calls++ })

	require.NoError(t, b.Publish(Event{Type: AgentHeartbeat, Source: "worker-1"}))
	b.Unsubscribe(sub)
	require.NoError(t, b.Publish(Event{Type: AgentHeartbeat, Source: "worker-1"}))

	assert.Equal(t, 1, calls)
}

func TestBus_PayloadAndTimestamp(t *testing.T) {
	b := New(nil)

	var got Event
	b.Subscribe(TaskAssigned, func(ev Event) { got = ev })

	require.NoError(t, b.Publish(Event{
		Type:    TaskAssigned,
		Source:  "lifecycle",
		Payload: map[string]any{"task_id": "t1", "agent": "worker-1"},
	}))

	assert.Equal(t, "t1", got.Payload["task_id"])
	assert.False(t, got.Timestamp.IsZero(), "publish stamps the event")
}

type failingMirror struct{ err error }

func (m *failingMirror) Forward(EventType, []byte) error { return m.err }

func TestBus_MirrorFailureSurfacesError(t *testing.T) {
	b := New(nil)

	var delivered bool
	b.Subscribe(TaskCompleted, func(Event) { delivered = true })

	mirrorErr := errors.New("nats unavailable")
	b.AttachMirror(&failingMirror{err: mirrorErr})

	err := b.Publish(Event{Type: TaskCompleted, Source: "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mirrorErr)
	assert.True(t, delivered, "local delivery happens before the mirror")
}
