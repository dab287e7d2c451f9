// ABOUTME: Package documentation for the agent bridge
// ABOUTME: Describes delivery, the completion-marker contract, and timeouts

/*
Package bridge translates "run this command on that agent" into interaction
with the agent's terminal session and detects completion.

Completion detection is deliberately dumb. The bridge recognizes exactly one
signal: a line of the form

	TASK_DONE <marker-id> <success|failure>

at the start of a line in the session buffer. The caller embeds the marker in
the command it delivers (typically via a trailing echo); Deliver refuses
commands that carry no marker. Prompt heuristics, idle detection, and output
pattern matching are not used; they were the source of recurring
false-completion bugs in systems this design replaces.

Delivery works around a session-layer quirk: text written and submitted in
immediate succession can be silently dropped. Deliver always waits a
configured minimum delay (never under 100ms) between writing the command and
submitting it.

AwaitCompletion blocks until the marker appears, the timeout elapses, or the
context is cancelled. A timeout is a terminal outcome reported to the caller,
not an internal retry.
*/
package bridge
