// ABOUTME: Package documentation for the task/request lifecycle manager
// ABOUTME: Describes the state machines and the manager's position in the system

/*
Package lifecycle implements the authoritative state machine for tasks and
authorization requests. It is the only component that mutates task or
request status; everything else observes through the store or the event bus.

Task lifecycle:

	pending -> assigned -> in_progress -> completed
	any non-terminal state -> failed

A failed task is automatically returned to pending exactly once before
failed becomes terminal. Reassignment after the retry clears started_at and
the previous agent.

Request lifecycle:

	pending -> approved -> executed
	pending -> rejected | timeout
	approved -> execution_failed

Risk classification comes from the rules table; critical-risk requests are
never auto-approved regardless of rule configuration.

Status writes go through the store's compare-and-swap. The manager retries
only ErrConcurrentModification, bounded with backoff; every other error kind
surfaces to the caller unchanged. Losing a CAS race to a writer that already
made the transition reports ErrInvalidTransition, which also gives
CompleteTask its idempotence: a second completion of the same task fails
cleanly without duplicating events or activity entries.
*/
package lifecycle
