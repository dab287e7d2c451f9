// ABOUTME: WebSocket event stream at /ws/events forwarding every bus event
// ABOUTME: to connected clients as JSON frames

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/muster/internal/bus"
)

// streamedTypes is every event type forwarded to websocket clients.
var streamedTypes = []bus.EventType{
	bus.TaskCreated,
	bus.TaskAssigned,
	bus.TaskCompleted,
	bus.TaskFailed,
	bus.AgentHeartbeat,
	bus.ConflictDetected,
	bus.RequestPending,
	bus.RequestResolved,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is consumed by local tooling; auth and origin policy live in
	// front of this server if it is ever exposed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream upgrades the connection and forwards bus events until
// the client disconnects. A slow client gets dropped rather than letting
// its backlog grow without bound.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan bus.Event, wsSendBuffer)
	closed := make(chan struct{})

	subs := make([]*bus.Subscription, 0, len(streamedTypes))
	for _, et := range streamedTypes {
		subs = append(subs, s.bus.Subscribe(et, func(ev bus.Event) {
			select {
			case send <- ev:
			case <-closed:
			default:
				// Buffer full; drop the event for this client.
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
	}()

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)

	// Reader goroutine: we never expect client frames, but reading is what
	// detects disconnects.
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for {
		select {
		case <-closed:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
