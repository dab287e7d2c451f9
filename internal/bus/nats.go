// ABOUTME: NATS mirror for cross-process event delivery
// ABOUTME: Forwards every bus event onto a subject derived from its type

package bus

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSMirror forwards bus events to a NATS subject per event type, e.g.
// "muster.events.task_completed". Agents running as separate processes
// subscribe to these subjects instead of the in-process bus.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSMirror connects to the NATS server at url. The subject prefix
// defaults to "muster.events" when empty.
func NewNATSMirror(url, prefix string) (*NATSMirror, error) {
	if prefix == "" {
		prefix = "muster.events"
	}

	conn, err := nats.Connect(url,
		nats.Name("muster-bus"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	logger := slog.Default().With("component", "bus-mirror")
	logger.Info("NATS mirror connected", "url", url, "prefix", prefix)

	return &NATSMirror{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Forward publishes the encoded event. A closed or disconnected connection
// surfaces as an error so Publish fails loudly rather than dropping events
// silently.
func (m *NATSMirror) Forward(eventType EventType, data []byte) error {
	subject := m.prefix + "." + string(eventType)
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("draining NATS connection", "error", err)
	}
}

var _ Mirror = (*NATSMirror)(nil)
