package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchparty/server/internal/v1/coordinator"
	"github.com/watchparty/server/internal/v1/logging"
	"github.com/watchparty/server/internal/v1/metrics"
	"go.uber.org/zap"
)

// wireMessage is the JSON envelope exchanged with the browser in both
// directions: {"event": "...", "payload": {...}}.
type wireMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session implements coordinator.SessionHandle over a single websocket
// connection, pumping outbound events through a bounded outbox so a slow or
// stalled client never blocks a room's actor goroutine.
type session struct {
	id          string
	displayName string
	conn        *websocket.Conn
	coord       *coordinator.Coordinator

	outbox chan wireMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id, displayName string, conn *websocket.Conn, coord *coordinator.Coordinator) *session {
	return &session{
		id:          id,
		displayName: displayName,
		conn:        conn,
		coord:       coord,
		outbox:      make(chan wireMessage, outboxSize),
		closed:      make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Send marshals payload and queues it for delivery. Non-blocking: if the
// outbox is full the message is dropped and logged rather than stalling the
// caller (typically a room actor's single goroutine).
func (s *session) Send(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			logging.Error(context.Background(), "marshal outbound event failed", zap.String("event", event), zap.Error(err))
			return
		}
		raw = b
	}
	select {
	case s.outbox <- wireMessage{Event: event, Payload: raw}:
	default:
		logging.Warn(context.Background(), "session outbox full, dropping event",
			zap.String("session_id", s.id), zap.String("event", event))
	}
}

// Close terminates the session's write pump and underlying connection.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) readPump() {
	defer func() {
		s.coord.Disconnect(s.id)
		metrics.DecConnection()
		s.Close("read pump closed")
	}()

	s.conn.SetReadLimit(maxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg wireMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(context.Background(), "websocket read error", zap.String("session_id", s.id), zap.Error(err))
			}
			return
		}
		s.coord.Dispatch(s.id, msg.Event, msg.Payload)
	}
}
