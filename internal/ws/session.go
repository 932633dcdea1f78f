package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum command size allowed from peer
	maxMessageSize = 64 * 1024

	// Per-session outbound buffer; a session that cannot drain this is
	// force-dropped rather than blocking the fan-out.
	sendBufferSize = 256
)

// Session is one authenticated transport connection. It lives for the
// lifetime of the connection; its registry entries are reconstructable
// from zero on reconnect.
type Session struct {
	ID     string
	UserID int64

	conn *websocket.Conn
	hub  *Hub
	log  zerolog.Logger

	// mu guards send against emitters holding a stale room snapshot:
	// fan-out runs lock-free after snapshotting members, so teardown
	// must flip closed under the same mutex enqueue checks.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSession(conn *websocket.Conn, userID int64, hub *Hub, logger zerolog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		hub:    hub,
		log:    logger.With().Str("session", id).Int64("userId", userID).Logger(),
	}
}

// enqueue buffers an outbound frame without blocking.
// Reports false when the buffer is full and the session must go.
// Frames addressed to a session already torn down are dropped.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel exactly once.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// sendFrame marshals and buffers a frame addressed to this session only.
func (s *Session) sendFrame(f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Str("event", f.Event).Msg("failed to marshal frame")
		return
	}
	if !s.enqueue(payload) {
		s.log.Warn().Str("event", f.Event).Msg("send buffer full, dropping session")
		s.hub.forceDrop(s)
	}
}

// sendError acks a failed command to this session only.
func (s *Session) sendError(event, message string) {
	s.sendFrame(Frame{Event: EvtError, Data: ErrorData{Event: event, Message: message}})
}

// readPump pumps commands from the connection into the hub dispatcher.
// Commands are handled serially per connection, which preserves the
// sender's own ordering.
func (s *Session) readPump() {
	defer func() {
		s.hub.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.sendError("", "malformed command frame")
			continue
		}
		s.hub.dispatch(s, cmd)
	}
}

// writePump pumps buffered frames to the connection and keeps the
// ping/pong heartbeat alive.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
