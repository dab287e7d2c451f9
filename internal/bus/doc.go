// ABOUTME: Package documentation for the muster event bus
// ABOUTME: Describes delivery guarantees and the optional NATS mirror

/*
Package bus provides the typed in-process publish/subscribe channel that
connects the lifecycle manager, the recovery monitor, and read-only consumers
such as the dashboard event stream.

Delivery rules:

  - Handlers for one event type run synchronously in subscription order.
  - A panicking handler is recovered and logged; it never breaks Publish or
    the remaining handlers.
  - Events published for the same task from one goroutine are observed in
    publish order. No ordering is guaranteed across event types or tasks.

When a Mirror is attached (see NATSMirror), every published event is also
serialized to JSON and forwarded to the mirror. Mirror failures make Publish
return an error so the caller can treat the mutation as unpersisted; local
subscribers will already have seen the event by then.
*/
package bus
