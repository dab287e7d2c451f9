// ABOUTME: Package documentation for the agent session surface
// ABOUTME: Describes the Surface interface and the tmux implementation

/*
Package session abstracts the execution surface an agent lives in: a
long-lived interactive terminal session that text can be written to,
submitted, and read back from.

The Surface interface is the narrow boundary the agent bridge depends on.
The tmux implementation shells out to tmux (send-keys, capture-pane); tests
substitute an in-memory fake.

The session layer has one documented quirk the bridge must work around:
writing text and submitting it in immediate succession can silently drop the
submission. Callers are required to wait between WriteText and Submit; the
bridge enforces a minimum delay for this reason.
*/
package session
