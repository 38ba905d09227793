package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = pongWait * 9 / 10
	maxMessageSize = 16 << 10
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// MessageHandler is called for every inbound frame, in order, on the
// session's read goroutine.
type MessageHandler func(connID string, raw []byte)

// WSSession is one connected websocket. Writes go through a buffered channel
// drained by a single writer goroutine.
type WSSession struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *WSSession) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("ws write failed", slog.Any("err", err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// WSRegistry holds every live session keyed by connection id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	buffer   int
	logger   *slog.Logger

	serving sync.WaitGroup
}

func NewWSRegistry(sendBuffer int, logger *slog.Logger) *WSRegistry {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		buffer:   sendBuffer,
		logger:   logging.Component(logger, "ws"),
	}
}

// Serve registers conn under a fresh connection id and runs its read loop
// until the peer goes away. onClose runs once, after the session is removed.
func (r *WSRegistry) Serve(conn *websocket.Conn, onMessage MessageHandler, onClose func(connID string)) {
	r.serving.Add(1)
	s := r.Add(conn)
	defer func() {
		r.Remove(s.ID)
		if onClose != nil {
			onClose(s.ID)
		}
		r.serving.Done()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("ws read failed", slog.Any("err", err))
			}
			return
		}
		onMessage(s.ID, raw)
	}
}

// Add registers conn and starts its writer.
func (r *WSRegistry) Add(conn *websocket.Conn) *WSSession {
	id := uuid.NewString()
	s := &WSSession{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, r.buffer),
		done:   make(chan struct{}),
		logger: r.logger.With(slog.String("conn", id)),
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	observability.Sessions.Inc()
	go s.writePump()
	s.logger.Info("session opened")
	return s
}

func (r *WSRegistry) Remove(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	observability.Sessions.Dec()
	s.logger.Info("session closed")
}

// Offer queues one event for connID. It never blocks; a missing session or a
// full buffer drops the message.
func (r *WSRegistry) Offer(connID, event string, data any) error {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	msg, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return err
	}
	if !s.enqueue(msg) {
		observability.SendDropped.Inc()
		return ErrSendBufferFull
	}
	return nil
}

// Send is the fire-and-forget form of Offer.
func (r *WSRegistry) Send(connID, event string, data any) {
	if err := r.Offer(connID, event, data); err != nil && err != ErrNoSession {
		r.logger.Debug("ws send dropped", slog.String("conn", connID), slog.String("event", event), slog.Any("err", err))
	}
}

// Broadcast queues one event for every session. The payload is encoded once.
func (r *WSRegistry) Broadcast(event string, data any) int {
	msg, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		r.logger.Error("broadcast encode failed", slog.String("event", event), slog.Any("err", err))
		return 0
	}
	r.mu.RLock()
	sessions := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		if s.enqueue(msg) {
			n++
		} else {
			observability.SendDropped.Inc()
		}
	}
	return n
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll drops every session and waits until each Serve loop has run its
// close handler, or ctx ends.
func (r *WSRegistry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}

	done := make(chan struct{})
	go func() {
		r.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	ErrNoSession      = &NoSessionError{}
	ErrSendBufferFull = &SendBufferFullError{}
)

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

type SendBufferFullError struct{}

func (n *SendBufferFullError) Error() string { return "ws send buffer full" }
