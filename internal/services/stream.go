package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/gorilla/websocket"

	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

// EventStream fans session events out to websocket clients connected to
// GET /sessions/{id}/events. Each connection has its own bounded queue; a
// client that cannot keep up is disconnected rather than slowing the session.
type EventStream struct {
	ctx          context.Context
	upgrader     websocket.Upgrader
	exists       func(sessionID string) bool
	buffer       int
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[string]map[*streamConn]struct{}
}

type streamConn struct {
	ws   *websocket.Conn
	send chan EventDTO
}

// NewEventStream creates a stream; exists reports whether a session ID can be subscribed to
func NewEventStream(exists func(sessionID string) bool, buffer int, writeTimeout time.Duration) *EventStream {
	return &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:          logging.EnsureLogger(context.Background()),
		exists:       exists,
		buffer:       buffer,
		writeTimeout: writeTimeout,
		conns:        make(map[string]map[*streamConn]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client or the session goes away
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logging.EnsureLogger(r.Context())
	sessionID := r.PathValue("id")
	if sessionID == "" || !s.exists(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw(ctx, "Event stream: upgrade failed", "session", sessionID, "error", err)
		return
	}

	c := &streamConn{ws: ws, send: make(chan EventDTO, s.buffer)}
	s.attach(sessionID, c)
	logging.Infow(ctx, "Event stream: client connected", "session", sessionID, "remote", r.RemoteAddr)

	go s.write(ctx, sessionID, c)

	// Clients never send anything meaningful; reading surfaces disconnects
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	s.detach(sessionID, c)
}

// Publish queues an event for every client of the session
func (s *EventStream) Publish(sessionID string, e tracker.Event) {
	dto := NewEventDTO(sessionID, e)

	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns[sessionID] {
		select {
		case c.send <- dto:
		default:
			logging.Warnw(s.ctx, "Event stream: dropping slow client", "session", sessionID, "seq", e.Seq)
			s.detachLocked(sessionID, c)
		}
	}
}

// CloseSession disconnects every client of a finished session once their queues drain
func (s *EventStream) CloseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns[sessionID] {
		s.detachLocked(sessionID, c)
	}
}

// Connections returns the number of clients following a session
func (s *EventStream) Connections(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[sessionID])
}

func (s *EventStream) attach(sessionID string, c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[sessionID] == nil {
		s.conns[sessionID] = make(map[*streamConn]struct{})
	}
	s.conns[sessionID][c] = struct{}{}
	metrics.WebSocketConnectionsGauge.Inc()
}

func (s *EventStream) detach(sessionID string, c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(sessionID, c)
}

// detachLocked closes the connection's queue exactly once, since the
// connection is only closed while still registered
func (s *EventStream) detachLocked(sessionID string, c *streamConn) {
	conns, ok := s.conns[sessionID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}

	delete(conns, c)
	if len(conns) == 0 {
		delete(s.conns, sessionID)
	}
	close(c.send)
	metrics.WebSocketConnectionsGauge.Dec()
}

func (s *EventStream) write(ctx context.Context, sessionID string, c *streamConn) {
	defer c.ws.Close()

	for dto := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.ws.WriteJSON(dto); err != nil {
			logging.Warnw(ctx, "Event stream: write failed", "session", sessionID, "error", err)
			s.detach(sessionID, c)
			// Drain so Publish never blocks on a dead connection
			for range c.send {
			}
			return
		}
	}

	deadline := time.Now().Add(s.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
}
