// ABOUTME: Tests for the agent bridge using an in-memory fake session surface
// ABOUTME: Covers the marker contract, submit delay, timeouts, and cancellation

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/session"
)

// fakeSurface is an in-memory session surface. Tests mutate buffers to
// simulate agent output.
type fakeSurface struct {
	mu       sync.Mutex
	buffers  map[string]string
	writes   []string
	writeAt  time.Time
	submitAt time.Time
}

func newFakeSurface(sessions ...string) *fakeSurface {
	f := &fakeSurface{buffers: make(map[string]string)}
	for _, s := range sessions {
		f.buffers[s] = ""
	}
	return f
}

func (f *fakeSurface) Exists(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buffers[name]
	return ok
}

func (f *fakeSurface) WriteText(_ context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[name]; !ok {
		return session.ErrSessionNotFound
	}
	f.writes = append(f.writes, text)
	f.writeAt = time.Now()
	// The typed command is echoed into the buffer, marker text included.
	f.buffers[name] += text + "\n"
	return nil
}

func (f *fakeSurface) Submit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[name]; !ok {
		return session.ErrSessionNotFound
	}
	f.submitAt = time.Now()
	return nil
}

func (f *fakeSurface) ReadBuffer(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.buffers[name]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	return buf, nil
}

func (f *fakeSurface) Interrupt(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[name]; !ok {
		return session.ErrSessionNotFound
	}
	return nil
}

func (f *fakeSurface) appendOutput(name, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffers[name] += text
}

func testBridge(f *fakeSurface) *Bridge {
	return New(f, Options{
		PollInterval:   10 * time.Millisecond,
		DefaultTimeout: time.Second,
	})
}

func markedCommand(id string) string {
	return fmt.Sprintf(`echo hello && echo "TASK_DONE %s success" || echo "TASK_DONE %s failure"`, id, id)
}

func TestDeliver_RequiresMarker(t *testing.T) {
	b := testBridge(newFakeSurface("worker-1"))

	_, err := b.Deliver(context.Background(), "worker-1", "echo hello")
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestDeliver_UnknownSession(t *testing.T) {
	b := testBridge(newFakeSurface("worker-1"))

	_, err := b.Deliver(context.Background(), "ghost", markedCommand("m1"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestDeliver_ReturnsMarkerIDAndWaitsBeforeSubmit(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.Len(t, f.writes, 1)
	gap := f.submitAt.Sub(f.writeAt)
	assert.GreaterOrEqual(t, gap, 100*time.Millisecond,
		"submit must not follow write within the delay floor")
}

func TestAwaitCompletion_Success(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.appendOutput("worker-1", "hello\nTASK_DONE m1 success\n")
	}()

	result, err := b.AwaitCompletion(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Contains(t, result.Output, "TASK_DONE m1 success")
}

func TestAwaitCompletion_EchoedCommandIsNotACompletion(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	// Deliver echoes the typed command (marker inside quotes, mid-line)
	// into the buffer. That must not satisfy the marker scan.
	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	result, err := b.AwaitCompletion(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
}

func TestAwaitCompletion_Failure(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	f.appendOutput("worker-1", "TASK_DONE m1 failure\n")

	result, err := b.AwaitCompletion(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, result.Status)
	assert.NotEmpty(t, result.Detail)
}

func TestAwaitCompletion_MalformedMarkerIsFailure(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	f.appendOutput("worker-1", "TASK_DONE m1 banana\n")

	result, err := b.AwaitCompletion(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, result.Status)
	assert.Contains(t, result.Detail, "malformed")
}

func TestAwaitCompletion_ZeroTimeoutReturnsImmediately(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	start := time.Now()
	result, err := b.AwaitCompletion(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAwaitCompletion_ContextCancellation(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = b.AwaitCompletion(ctx, id, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitCompletion_UnknownDelivery(t *testing.T) {
	b := testBridge(newFakeSurface("worker-1"))

	_, err := b.AwaitCompletion(context.Background(), "nope", time.Second)
	assert.ErrorIs(t, err, ErrUnknownDelivery)
}

func TestAwaitCompletion_OtherMarkersIgnored(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	id, err := b.Deliver(context.Background(), "worker-1", markedCommand("m2"))
	require.NoError(t, err)

	// A stale marker from an earlier delivery must not complete this one.
	f.appendOutput("worker-1", "TASK_DONE m1 success\n")

	result, err := b.AwaitCompletion(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
}

func TestCaptureOutput(t *testing.T) {
	f := newFakeSurface("worker-1")
	b := testBridge(f)

	f.appendOutput("worker-1", "some diagnostics\n")

	out, err := b.CaptureOutput(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Contains(t, out, "some diagnostics")
}
