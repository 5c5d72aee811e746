package relayadmin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/relayserver"
)

func newTestServer(t *testing.T) (*Server, *relayserver.Service) {
	t.Helper()
	reg := registry.New(registry.Config{}, nil)
	svc := relayserver.New(relayserver.Config{ListenAddr: "127.0.0.1:0", ServerSecret: []byte("s")}, nil, reg, nil)
	s := New(nil, svc, reg, "127.0.0.1:0")
	return s, svc
}

func TestHandleHealthzReportsStatusOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleSnapshotReturnsCurrentDocument(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc relayserver.SnapshotDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, relayserver.DefaultSnapshotVersion, doc.Version)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	go s.broadcastLoop()
	defer close(s.stop)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutine a moment to register the client before
	// publishing, since registration happens inside the handler goroutine.
	time.Sleep(50 * time.Millisecond)

	s.OnSessionEvent(relayserver.SessionEvent{Type: relayserver.EventSessionCreated, SessionID: 7})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev relayserver.SessionEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, relayserver.EventSessionCreated, ev.Type)
	require.Equal(t, uint64(7), ev.SessionID)
}
