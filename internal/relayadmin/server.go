// Package relayadmin exposes the Relay Service's admin/observability
// surface: Prometheus metrics, a point-in-time snapshot, a health
// check, and a live session-lifecycle event stream over WebSocket.
package relayadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/relayserver"
)

// DefaultReadHeaderTimeout bounds slow-header attacks on the admin listener.
const DefaultReadHeaderTimeout = 5 * time.Second

// DefaultEventBacklog is the broadcast channel's buffer; a slow event
// producer drops rather than blocks beyond this.
const DefaultEventBacklog = 256

// Server is the HTTP/WebSocket admin surface fronting a relayserver.Service.
type Server struct {
	log *zap.Logger

	svc *relayserver.Service
	reg *registry.Registry

	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader

	broadcast chan relayserver.SessionEvent

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan relayserver.SessionEvent

	stop chan struct{}
}

// New constructs a Server bound to svc and reg. ListenAddr determines the
// bind address; an empty value lets the caller call Start with a custom
// listener semantics via http.Server field access.
func New(log *zap.Logger, svc *relayserver.Service, reg *registry.Registry, listenAddr string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:       log,
		svc:       svc,
		reg:       reg,
		broadcast: make(chan relayserver.SessionEvent, DefaultEventBacklog),
		clients:   make(map[*websocket.Conn]chan relayserver.SessionEvent),
		stop:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	s.router = s.newRouter()
	s.http = &http.Server{
		Addr:              listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// OnSessionEvent is the hook to wire into relayserver.Config.OnSessionEvent
// so this server learns of session lifecycle transitions without polling.
func (s *Server) OnSessionEvent(ev relayserver.SessionEvent) {
	select {
	case s.broadcast <- ev:
	default:
		s.log.Warn("relayadmin: event backlog full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Start runs the broadcast loop and the HTTP listener; it blocks until the
// listener stops (Stop is called, or the listener errors).
func (s *Server) Start() error {
	go s.broadcastLoop()
	s.log.Info("relayadmin: listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener and the broadcast loop.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stop)
	return s.http.Shutdown(ctx)
}

func (s *Server) broadcastLoop() {
	for {
		select {
		case ev := <-s.broadcast:
			s.clientsMu.RLock()
			for _, ch := range s.clients {
				select {
				case ch <- ev:
				default:
				}
			}
			s.clientsMu.RUnlock()
		case <-s.stop:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
