// ABOUTME: Surface interface for agent terminal sessions
// ABOUTME: Write, submit, read, interrupt, and existence operations

package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound indicates the named session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Surface is the set of operations the bridge needs from a terminal session
// layer. Implementations must be safe for concurrent use across distinct
// session names; operations on the same session are serialized by the bridge.
type Surface interface {
	// Exists reports whether the named session is alive.
	Exists(ctx context.Context, name string) bool

	// WriteText types the given text into the session without submitting it.
	WriteText(ctx context.Context, name, text string) error

	// Submit simulates pressing Enter in the session. Callers must leave a
	// delay after WriteText; see the package comment.
	Submit(ctx context.Context, name string) error

	// ReadBuffer returns the current visible output buffer of the session.
	ReadBuffer(ctx context.Context, name string) (string, error)

	// Interrupt sends an interrupt (Ctrl-C) to the session. Best effort.
	Interrupt(ctx context.Context, name string) error
}
