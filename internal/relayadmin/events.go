package relayadmin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/relayserver"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventReadDeadline = 60 * time.Second
	eventClientBuffer = 32
)

// handleEventStream upgrades to a WebSocket and streams SessionEvent JSON
// frames as they are published, one per registered connection's own
// buffered channel so a slow client never slows down the broadcast loop.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("relayadmin: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := make(chan relayserver.SessionEvent, eventClientBuffer)
	s.clientsMu.Lock()
	s.clients[conn] = ch
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(eventReadDeadline))
	conn.SetPingHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventReadDeadline))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(eventWriteTimeout))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(eventReadDeadline))
		}
	}()

	for {
		select {
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-s.stop:
			return
		}
	}
}
