// ABOUTME: Agent bridge delivering commands to sessions and awaiting completion markers
// ABOUTME: Enforces the write/submit delay and the literal TASK_DONE marker contract

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/2389/muster/internal/session"
)

// ErrNoMarker indicates the delivered command carries no completion marker.
var ErrNoMarker = errors.New("command contains no completion marker")

// ErrUnknownDelivery indicates the delivery ID is not tracked by this bridge.
var ErrUnknownDelivery = errors.New("unknown delivery")

// minSubmitDelay is the hard floor on the write-to-submit delay. The session
// layer drops rapid consecutive writes; this is a correctness constraint,
// not tuning.
const minSubmitDelay = 100 * time.Millisecond

// markerRe extracts the marker ID from a command being delivered.
var markerRe = regexp.MustCompile(`TASK_DONE\s+(\S+)`)

// markerLineRe matches a completion marker line in captured output. Anchoring
// at line start keeps the echoed command text (which contains the marker
// inside quotes, mid-line) from matching.
var markerLineRe = regexp.MustCompile(`(?m)^TASK_DONE\s+(\S+)\s+(\S+)\s*$`)

// CompletionStatus is the terminal outcome of a delivery.
type CompletionStatus string

const (
	StatusSuccess CompletionStatus = "success"
	StatusFailure CompletionStatus = "failure"
	StatusTimeout CompletionStatus = "timeout"
)

// CompletionResult reports how a delivery ended.
type CompletionResult struct {
	Status CompletionStatus
	Output string // captured session buffer at completion time
	Detail string // diagnostic, set for failures and malformed markers
}

// delivery tracks one in-flight command.
type delivery struct {
	id    string
	agent string
}

// Bridge delivers commands to agent sessions and watches for their
// completion markers.
type Bridge struct {
	surface        session.Surface
	submitDelay    time.Duration
	pollInterval   time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	deliveries map[string]*delivery
}

// Options configures a Bridge. Zero values select defaults; SubmitDelay is
// clamped to the 100ms floor regardless of configuration.
type Options struct {
	SubmitDelay    time.Duration
	PollInterval   time.Duration
	DefaultTimeout time.Duration
}

// New creates a bridge over the given session surface.
func New(surface session.Surface, opts Options) *Bridge {
	if opts.SubmitDelay < minSubmitDelay {
		opts.SubmitDelay = minSubmitDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	return &Bridge{
		surface:        surface,
		submitDelay:    opts.SubmitDelay,
		pollInterval:   opts.PollInterval,
		defaultTimeout: opts.DefaultTimeout,
		logger:         slog.Default().With("component", "bridge"),
		deliveries:     make(map[string]*delivery),
	}
}

// DefaultTimeout returns the configured completion timeout.
func (b *Bridge) DefaultTimeout() time.Duration {
	return b.defaultTimeout
}

// Deliver writes commandText to the named agent's session and submits it.
// The command must embed a completion marker (TASK_DONE <id> ...); the
// marker ID becomes the delivery ID returned to the caller.
func (b *Bridge) Deliver(ctx context.Context, agentName, commandText string) (string, error) {
	m := markerRe.FindStringSubmatch(commandText)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrNoMarker, truncate(commandText, 80))
	}
	markerID := m[1]

	if !b.surface.Exists(ctx, agentName) {
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, agentName)
	}

	if err := b.surface.WriteText(ctx, agentName, commandText); err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}

	// The session layer drops a Submit that follows WriteText too closely.
	select {
	case <-time.After(b.submitDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := b.surface.Submit(ctx, agentName); err != nil {
		return "", fmt.Errorf("submitting command: %w", err)
	}

	d := &delivery{id: markerID, agent: agentName}
	b.mu.Lock()
	b.deliveries[markerID] = d
	b.mu.Unlock()

	b.logger.Debug("delivered command",
		"agent", agentName,
		"delivery_id", markerID,
		"bytes", len(commandText),
	)
	return markerID, nil
}

// AwaitCompletion polls the agent's session buffer until the delivery's
// marker appears, the timeout elapses, or ctx is cancelled. A timeout of 0
// reports StatusTimeout immediately without blocking. Pass a negative
// timeout to use the bridge default.
func (b *Bridge) AwaitCompletion(ctx context.Context, deliveryID string, timeout time.Duration) (*CompletionResult, error) {
	b.mu.Lock()
	d, ok := b.deliveries[deliveryID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
	}
	defer func() {
		b.mu.Lock()
		delete(b.deliveries, deliveryID)
		b.mu.Unlock()
	}()

	if timeout < 0 {
		timeout = b.defaultTimeout
	}
	if timeout == 0 {
		return &CompletionResult{Status: StatusTimeout, Detail: "zero timeout"}, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var lastBuffer string
	for {
		buffer, err := b.surface.ReadBuffer(ctx, d.agent)
		if err != nil {
			return nil, fmt.Errorf("reading session buffer: %w", err)
		}
		lastBuffer = buffer

		if result, found := scanForMarker(buffer, deliveryID); found {
			result.Output = buffer
			b.logger.Debug("completion marker observed",
				"agent", d.agent,
				"delivery_id", deliveryID,
				"status", result.Status,
			)
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			b.logger.Warn("delivery timed out",
				"agent", d.agent,
				"delivery_id", deliveryID,
				"timeout", timeout,
			)
			return &CompletionResult{
				Status: StatusTimeout,
				Output: lastBuffer,
				Detail: fmt.Sprintf("no completion marker within %s", timeout),
			}, nil
		case <-ticker.C:
		}
	}
}

// CaptureOutput returns the agent's current session buffer without blocking.
func (b *Bridge) CaptureOutput(ctx context.Context, agentName string) (string, error) {
	return b.surface.ReadBuffer(ctx, agentName)
}

// Interrupt sends a best-effort interrupt to the agent's session.
func (b *Bridge) Interrupt(ctx context.Context, agentName string) error {
	return b.surface.Interrupt(ctx, agentName)
}

// scanForMarker looks for a completion marker line for the given delivery.
// A marker with an unrecognized status token is reported as a failure, not
// ignored.
func scanForMarker(buffer, deliveryID string) (*CompletionResult, bool) {
	for _, m := range markerLineRe.FindAllStringSubmatch(buffer, -1) {
		if m[1] != deliveryID {
			continue
		}
		switch m[2] {
		case "success":
			return &CompletionResult{Status: StatusSuccess}, true
		case "failure":
			return &CompletionResult{Status: StatusFailure, Detail: "agent reported failure"}, true
		default:
			return &CompletionResult{
				Status: StatusFailure,
				Detail: fmt.Sprintf("malformed completion marker status %q", m[2]),
			}, true
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
