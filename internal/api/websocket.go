package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/ratelimit"
)

const wsWriteWait = 10 * time.Second

// wsListener forwards outbox envelopes to one WebSocket connection as JSON
// text frames.
type wsListener struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (l *wsListener) Send(e protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return websocket.ErrCloseSent
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return l.conn.WriteJSON(e)
}

func (l *wsListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}

// handleWebSocket registers the connection as an outbox listener until the
// client disconnects or the instance shuts down. Incoming frames are read
// and discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instance(w, r, ratelimit.ActionRead)
	if !ok {
		return
	}
	if in.Outbox == nil {
		s.sendError(w, http.StatusConflict, "%s has no outbox", in.Sim.Code())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "sim", in.Sim.Code(), "error", err)
		return
	}

	l := &wsListener{conn: conn}
	id := in.Outbox.Register(l)
	logger := s.logger.With("sim", in.Sim.Code(), "listener", id)
	logger.Debug("websocket connected")
	defer func() {
		in.Outbox.Unregister(id)
		logger.Debug("websocket disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
