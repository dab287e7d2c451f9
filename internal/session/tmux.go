// ABOUTME: tmux implementation of the session Surface
// ABOUTME: Shells out to tmux send-keys and capture-pane per operation

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// TmuxSurface drives agent sessions through the tmux CLI. Session names map
// directly to tmux session names.
type TmuxSurface struct {
	logger *slog.Logger
}

// NewTmuxSurface creates a tmux-backed surface.
func NewTmuxSurface() *TmuxSurface {
	return &TmuxSurface{
		logger: slog.Default().With("component", "tmux"),
	}
}

// Exists checks the session with tmux has-session.
func (t *TmuxSurface) Exists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// WriteText types the text literally into the session. The -l flag disables
// key name lookup so the text arrives verbatim; submission is a separate
// Submit call.
func (t *TmuxSurface) WriteText(ctx context.Context, name, text string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "-l", text)
	if out, err := cmd.CombinedOutput(); err != nil {
		if !t.Exists(ctx, name) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return fmt.Errorf("tmux send-keys: %w: %s", err, strings.TrimSpace(string(out)))
	}
	t.logger.Debug("wrote text to session", "session", name, "bytes", len(text))
	return nil
}

// Submit presses Enter in the session.
func (t *TmuxSurface) Submit(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "Enter")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux submit: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ReadBuffer captures the visible pane contents.
func (t *TmuxSurface) ReadBuffer(ctx context.Context, name string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", name)
	out, err := cmd.Output()
	if err != nil {
		if !t.Exists(ctx, name) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}

// Interrupt sends Ctrl-C to the session.
func (t *TmuxSurface) Interrupt(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "C-c")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux interrupt: %w: %s", err, strings.TrimSpace(string(out)))
	}
	t.logger.Debug("sent interrupt", "session", name)
	return nil
}

var _ Surface = (*TmuxSurface)(nil)
