package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/latency"
	"github.com/formthefog/form-net-relay/internal/relaycache"
	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/wire"
)

// fakeTransport records sent frames and optionally auto-replies through a
// supplied Manager, simulating a relay that always answers immediately.
type fakeTransport struct {
	mgr       *Manager
	codec     *wire.Codec
	onSend    func(endpoint string, frame []byte)
	sessionID uint64
	status    wire.Status
}

func (f *fakeTransport) SendTo(_ context.Context, endpoint string, frame []byte) error {
	if f.onSend != nil {
		f.onSend(endpoint, frame)
	}
	decoded, err := f.codec.Decode(frame)
	if err != nil {
		return err
	}
	if req, ok := decoded.Message.(*wire.ConnectionRequest); ok {
		resp := &wire.ConnectionResponse{
			RequestNonce: req.Nonce,
			StatusCode:   f.status,
			SessionID:    f.sessionID,
			AuthToken:    wire.AuthToken{1, 2, 3},
		}
		f.mgr.Deliver(&wire.Frame{Header: wire.Header{Tag: wire.TagConnectionResponse}, Message: resp})
	}
	return nil
}

func newTestRegistry(now time.Time) *registry.Registry {
	return registry.New(registry.Config{Now: func() time.Time { return now }}, nil)
}

func goodRelay(id byte) wire.RelayNodeInfo {
	return wire.RelayNodeInfo{
		PubKey:            wire.PubKey{id},
		Endpoints:         []string{"127.0.0.1:51999"},
		Capabilities:      wire.CapIPv4,
		Reliability:       90,
		HasLastResultTime: true,
	}
}

func TestConnectViaRelaySuccess(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(now)
	reg.RegisterRelay(goodRelay(1))

	cache := relaycache.NewMemoryCache()
	lat := latency.NewRegistry(0, latency.Config{Default: 200 * time.Millisecond})
	codec := wire.NewCodec()

	mgr := New(Config{Self: wire.PubKey{9}, Now: func() time.Time { return now }, Codec: codec}, nil, nil, reg, cache, lat)
	transport := &fakeTransport{mgr: mgr, codec: codec, status: wire.StatusSuccess, sessionID: 42}
	mgr.transport = transport

	id, err := mgr.ConnectViaRelay(context.Background(), wire.PubKey{2}, wire.CapIPv4, "", false)
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
}

func TestConnectViaRelayUnauthorizedDoesNotRetry(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(now)
	reg.RegisterRelay(goodRelay(1))
	reg.RegisterRelay(goodRelay(2))

	cache := relaycache.NewMemoryCache()
	lat := latency.NewRegistry(0, latency.Config{Default: 200 * time.Millisecond})
	codec := wire.NewCodec()

	mgr := New(Config{Self: wire.PubKey{9}, Now: func() time.Time { return now }, Codec: codec}, nil, nil, reg, cache, lat)
	calls := 0
	transport := &fakeTransport{mgr: mgr, codec: codec, status: wire.StatusUnauthorized}
	transport.onSend = func(string, []byte) { calls++ }
	mgr.transport = transport

	_, err := mgr.ConnectViaRelay(context.Background(), wire.PubKey{2}, wire.CapIPv4, "", false)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, 1, calls, "unauthorized must not retry other relays")
}

func TestConnectViaRelayNoCapacityRetriesNextRelay(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(now)
	worse := goodRelay(1)
	worse.Reliability = 50
	better := goodRelay(2)
	better.Reliability = 95
	reg.RegisterRelay(worse)
	reg.RegisterRelay(better)

	cache := relaycache.NewMemoryCache()
	lat := latency.NewRegistry(0, latency.Config{Default: 200 * time.Millisecond})
	codec := wire.NewCodec()

	mgr := New(Config{Self: wire.PubKey{9}, Now: func() time.Time { return now }, Codec: codec}, nil, nil, reg, cache, lat)

	transport := &replayTransport{mgr: mgr, codec: codec, sessionID: 7}
	mgr.transport = transport

	id, err := mgr.ConnectViaRelay(context.Background(), wire.PubKey{3}, wire.CapIPv4, "", false)
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
	require.Equal(t, 2, transport.calls, "first relay should fail once, second should succeed")
}

// replayTransport fails the first ConnectionRequest it sees with
// no-capacity and succeeds every subsequent one, deterministically
// simulating a failover from the top-scored relay to the next candidate.
type replayTransport struct {
	mgr       *Manager
	codec     *wire.Codec
	sessionID uint64
	calls     int
}

func (f *replayTransport) SendTo(_ context.Context, _ string, frame []byte) error {
	decoded, err := f.codec.Decode(frame)
	if err != nil {
		return err
	}
	req, ok := decoded.Message.(*wire.ConnectionRequest)
	if !ok {
		return nil
	}
	f.calls++
	status := wire.StatusSuccess
	if f.calls == 1 {
		status = wire.StatusNoCapacity
	}
	resp := &wire.ConnectionResponse{
		RequestNonce: req.Nonce,
		StatusCode:   status,
		SessionID:    f.sessionID,
	}
	f.mgr.Deliver(&wire.Frame{Message: resp})
	return nil
}

func TestSendPacketWithoutSessionFails(t *testing.T) {
	mgr := New(Config{Self: wire.PubKey{9}}, nil, nil, newTestRegistry(time.Now()), relaycache.NewMemoryCache(), nil)
	err := mgr.SendPacket(context.Background(), wire.PubKey{1}, []byte("hi"))
	require.ErrorIs(t, err, ErrNoActiveSession)
}

// nopTransport discards every outgoing frame, just enough for
// sendHeartbeats to run without a real relay endpoint.
type nopTransport struct{}

func (nopTransport) SendTo(context.Context, string, []byte) error { return nil }

func TestSendHeartbeatsClosesDegradedSessionWhenCacheNoLongerNeedsRelay(t *testing.T) {
	now := time.Now()
	cache := relaycache.NewMemoryCache()
	mgr := New(Config{Self: wire.PubKey{9}, Now: func() time.Time { return now }}, nil, nopTransport{}, newTestRegistry(now), cache, nil)

	sess := newClientSession(1, wire.PubKey{9}, wire.PubKey{1}, wire.PubKey{2}, "127.0.0.1:1", wire.AuthToken{}, now)
	mgr.mu.Lock()
	mgr.byID[sess.ID] = sess
	mgr.sessions[sess.Peer] = sess
	mgr.mu.Unlock()

	for i := 0; i < DefaultMissedHeartbeats; i++ {
		mgr.sendHeartbeats(context.Background())
	}

	mgr.mu.Lock()
	_, stillTracked := mgr.byID[sess.ID]
	mgr.mu.Unlock()
	require.False(t, stillTracked, "a degraded session must close once the cache no longer needs a relay for its peer")
}

func TestSendHeartbeatsKeepsDegradedSessionWhenCacheStillNeedsRelay(t *testing.T) {
	now := time.Now()
	cache := relaycache.NewMemoryCache()
	for i := 0; i < relaycache.DefaultFailureThreshold; i++ {
		require.NoError(t, cache.RecordFailure(context.Background(), wire.PubKey{1}))
	}
	mgr := New(Config{Self: wire.PubKey{9}, Now: func() time.Time { return now }}, nil, nopTransport{}, newTestRegistry(now), cache, nil)

	sess := newClientSession(1, wire.PubKey{9}, wire.PubKey{1}, wire.PubKey{2}, "127.0.0.1:1", wire.AuthToken{}, now)
	mgr.mu.Lock()
	mgr.byID[sess.ID] = sess
	mgr.sessions[sess.Peer] = sess
	mgr.mu.Unlock()

	for i := 0; i < DefaultMissedHeartbeats; i++ {
		mgr.sendHeartbeats(context.Background())
	}

	mgr.mu.Lock()
	_, stillTracked := mgr.byID[sess.ID]
	state := sess.State
	mgr.mu.Unlock()
	require.True(t, stillTracked, "a peer the cache still flags as needing a relay must not be torn down on degrade")
	require.Equal(t, StateDegraded, state)
}

func TestCheckFallbackHonorsCache(t *testing.T) {
	cache := relaycache.NewMemoryCache()
	mgr := New(Config{Self: wire.PubKey{9}}, nil, nil, newTestRegistry(time.Now()), cache, nil)

	decision, err := mgr.CheckFallback(context.Background(), wire.PubKey{1})
	require.NoError(t, err)
	require.Equal(t, DirectPreferred, decision)

	for i := 0; i < relaycache.DefaultFailureThreshold; i++ {
		require.NoError(t, cache.RecordFailure(context.Background(), wire.PubKey{1}))
	}
	decision, err = mgr.CheckFallback(context.Background(), wire.PubKey{1})
	require.NoError(t, err)
	require.Equal(t, RelayPreferred, decision)
}
