// Package session implements the client-side Session Manager:
// establishing relayed sessions, adaptive timeouts, heartbeating, and
// cache-integrated direct/relay fallback.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/latency"
	"github.com/formthefog/form-net-relay/internal/relaycache"
	"github.com/formthefog/form-net-relay/internal/relayflag"
	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/wire"
)

// Transport is the manager's only dependency on an actual socket: send one
// encoded frame to a relay endpoint. The manager does not own a listening
// socket directly; a caller-supplied receive loop feeds inbound datagrams
// in via Deliver, mirroring how the relay service's own receive task is
// separated from its dispatch logic.
type Transport interface {
	SendTo(ctx context.Context, endpoint string, frame []byte) error
}

const (
	DefaultMaxAttempts      = 3
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleThreshold     = 120 * time.Second
	DefaultMissedHeartbeats  = 3
)

// Config tunes a Manager. Zero values fall back to spec defaults.
type Config struct {
	Self wire.PubKey

	MaxAttempts       int
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration

	Codec *wire.Codec
	Now   func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.Codec == nil {
		c.Codec = wire.NewCodec()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager is the client-side Session Manager. It owns the ConnectionAttempt
// table and the shadow Session table exclusively; the Registry and
// CacheIntegration are shared collaborators passed in by reference.
type Manager struct {
	cfg       Config
	log       *zap.Logger
	transport Transport
	registry  *registry.Registry
	cache     relaycache.CacheIntegration
	latency   *latency.Registry

	mu       sync.Mutex
	attempts map[uint64]*ConnectionAttempt
	sessions map[wire.PubKey]*ClientSession // keyed by peer pubkey
	byID     map[uint64]*ClientSession

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Manager. registry and cache are required collaborators;
// transport sends outbound frames.
func New(cfg Config, log *zap.Logger, transport Transport, reg *registry.Registry, cache relaycache.CacheIntegration, lat *latency.Registry) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if lat == nil {
		lat = latency.NewRegistry(0, latency.Config{})
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		log:       log,
		transport: transport,
		registry:  reg,
		cache:     cache,
		latency:   lat,
		attempts:  make(map[uint64]*ConnectionAttempt),
		sessions:  make(map[wire.PubKey]*ClientSession),
		byID:      make(map[uint64]*ClientSession),
		stop:      make(chan struct{}),
	}
}

// Start spawns the heartbeat loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.heartbeatLoop(ctx)
}

// Stop halts the heartbeat loop and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// CheckFallback consults CacheIntegration.NeedsRelay before ever attempting
// relay selection.
func (m *Manager) CheckFallback(ctx context.Context, peer wire.PubKey) (FallbackDecision, error) {
	needs, err := m.cache.NeedsRelay(ctx, peer)
	if err != nil {
		return DirectPreferred, fmt.Errorf("session: check fallback: %w", err)
	}
	if !needs {
		return DirectPreferred, nil
	}
	return RelayPreferred, nil
}

// ConnectViaRelay establishes a relayed session to target, retrying across
// up to MaxAttempts relays
func (m *Manager) ConnectViaRelay(ctx context.Context, target wire.PubKey, requiredCaps uint32, region string, filterRegion bool) (uint64, error) {
	if !relayflag.Enabled() {
		return 0, ErrNoRelayAvailable
	}
	excluded := make(map[wire.PubKey]bool)
	var lastErr error

	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		relay, ok := m.selectExcluding(target, requiredCaps, region, filterRegion, excluded)
		if !ok {
			return 0, ErrNoRelayAvailable
		}

		sessionID, err := m.attemptOnce(ctx, target, relay)
		if err == nil {
			if cacheErr := m.cache.RecordRelaySuccess(ctx, target, relay.Info.Endpoints[0], relay.Info.PubKey, sessionID); cacheErr != nil {
				m.log.Warn("session: record_relay_success failed", zap.Error(cacheErr))
			}
			return sessionID, nil
		}

		switch {
		case errSameRelayRetryable(err):
			excluded[relay.Info.PubKey] = true
			m.registry.RecordFailure(relay.Info.PubKey)
			lastErr = err
			continue
		case err == ErrUnauthorized:
			return 0, err
		default:
			return 0, err
		}
	}
	return 0, lastErr
}

func errSameRelayRetryable(err error) bool {
	return err == ErrCapacityExhausted || err == ErrTimeout || err == ErrProtocolError
}

func (m *Manager) selectExcluding(target wire.PubKey, requiredCaps uint32, region string, filterRegion bool, excluded map[wire.PubKey]bool) (registry.Entry, bool) {
	candidates := m.registry.FindRelays(region, filterRegion, requiredCaps, 0)
	for _, c := range candidates {
		if excluded[c.Info.PubKey] {
			continue
		}
		return c, true
	}
	return registry.Entry{}, false
}

func (m *Manager) attemptOnce(ctx context.Context, target wire.PubKey, relay registry.Entry) (uint64, error) {
	if len(relay.Info.Endpoints) == 0 {
		return 0, ErrNoRelayAvailable
	}
	endpoint := relay.Info.Endpoints[0]

	nonce, err := randomUint64()
	if err != nil {
		return 0, fmt.Errorf("session: generate nonce: %w", err)
	}

	req := &wire.ConnectionRequest{
		InitiatorPubKey:       m.cfg.Self,
		TargetPubKey:          target,
		RequestedCapabilities: 0,
		Nonce:                 nonce,
	}

	timeout := m.latency.Recommend(relay.Info.PubKey)
	traceID := uuid.New().String()
	attempt := &ConnectionAttempt{
		Nonce:    nonce,
		TraceID:  traceID,
		Target:   target,
		Relay:    relay.Info.PubKey,
		Endpoint: endpoint,
		Start:    m.cfg.Now(),
		Timeout:  timeout,
		resultCh: make(chan connectResult, 1),
	}

	m.mu.Lock()
	m.attempts[nonce] = attempt
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.attempts, nonce)
		m.mu.Unlock()
	}()

	m.log.Debug("session: connection attempt started",
		zap.String("trace_id", traceID), zap.Uint64("nonce", nonce), zap.String("endpoint", endpoint))

	frame, err := m.cfg.Codec.Encode(req, false, m.cfg.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	if err := m.transport.SendTo(ctx, endpoint, frame); err != nil {
		return 0, fmt.Errorf("session: send connection request: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-deadline.C:
		m.registry.RecordFailure(relay.Info.PubKey)
		return 0, ErrTimeout
	case res := <-attempt.resultCh:
		if res.err != nil {
			return 0, res.err
		}
		rtt := m.cfg.Now().Sub(attempt.Start)
		m.latency.Observe(relay.Info.PubKey, rtt)
		return m.onConnectionResponse(target, relay, endpoint, res.resp)
	}
}

func (m *Manager) onConnectionResponse(target wire.PubKey, relay registry.Entry, endpoint string, resp *wire.ConnectionResponse) (uint64, error) {
	switch resp.StatusCode {
	case wire.StatusSuccess:
		m.registry.RecordSuccess(relay.Info.PubKey)
		sess := newClientSession(resp.SessionID, m.cfg.Self, target, relay.Info.PubKey, endpoint, resp.AuthToken, m.cfg.Now())
		m.mu.Lock()
		m.sessions[target] = sess
		m.byID[sess.ID] = sess
		m.mu.Unlock()
		return sess.ID, nil
	case wire.StatusNoCapacity, wire.StatusRateLimited:
		return 0, ErrCapacityExhausted
	case wire.StatusUnauthorized, wire.StatusUnknownTarget:
		return 0, ErrUnauthorized
	default:
		return 0, ErrProtocolError
	}
}

// Deliver feeds one decoded inbound frame into the manager. Callers run
// their own socket receive loop and hand frames here.
func (m *Manager) Deliver(frame *wire.Frame) {
	switch msg := frame.Message.(type) {
	case *wire.ConnectionResponse:
		m.deliverConnectionResponse(msg)
	case *wire.RelayPacket:
		m.deliverRelayPacket(msg)
	}
}

func (m *Manager) deliverConnectionResponse(resp *wire.ConnectionResponse) {
	m.mu.Lock()
	attempt, ok := m.attempts[resp.RequestNonce]
	m.mu.Unlock()
	if !ok {
		return // late or canceled; discarded
	}
	select {
	case attempt.resultCh <- connectResult{resp: resp}:
	default:
	}
}

func (m *Manager) deliverRelayPacket(pkt *wire.RelayPacket) {
	m.mu.Lock()
	sess, ok := m.byID[pkt.SessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	sess.LastActivity = m.cfg.Now()
	if sess.State == StateDegraded {
		sess.State = StateEstablished
	}
	sess.MissedHeartbeats = 0
	m.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return // heartbeat echo, not a payload delivery
	}
	select {
	case sess.recv <- pkt.Payload:
	default:
		m.log.Warn("session: receiver backlog full, dropping payload", zap.Uint64("session_id", sess.ID))
	}
}

// SendPacket frames and transmits payload to target's active session.
func (m *Manager) SendPacket(ctx context.Context, target wire.PubKey, payload []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[target]
	m.mu.Unlock()
	if !ok || sess.State == StateClosed || sess.State == StateClosing {
		return ErrNoActiveSession
	}

	pkt := &wire.RelayPacket{
		DestPubKey: target,
		SessionID:  sess.ID,
		Ts:         uint64(m.cfg.Now().UnixMilli()),
		Payload:    payload,
	}
	frame, err := m.cfg.Codec.Encode(pkt, true, m.cfg.Now())
	if err != nil {
		return ErrFrameTooLarge
	}
	if err := m.transport.SendTo(ctx, sess.RelayEndpoint, frame); err != nil {
		return fmt.Errorf("session: send packet: %w", err)
	}
	return nil
}

// CreatePacketReceiver returns the channel of inbound payloads for target's
// session. The channel closes when the session is torn down. It is not
// restartable: calling this again after the session closes returns ok=false.
func (m *Manager) CreatePacketReceiver(target wire.PubKey) (<-chan []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[target]
	if !ok {
		return nil, false
	}
	return sess.recv, true
}

// CloseSession sends a best-effort close and removes local state.
func (m *Manager) CloseSession(ctx context.Context, id uint64) error {
	m.mu.Lock()
	sess, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	sess.State = StateClosing
	m.mu.Unlock()

	// Best-effort: a zero-length RelayPacket is sent to the peer, which
	// receivers treat as a liveness echo rather than a close; no error is
	// propagated for a failed send.
	pkt := &wire.RelayPacket{DestPubKey: sess.Peer, SessionID: sess.ID, Ts: uint64(m.cfg.Now().UnixMilli())}
	if frame, err := m.cfg.Codec.Encode(pkt, true, m.cfg.Now()); err == nil {
		_ = m.transport.SendTo(ctx, sess.RelayEndpoint, frame)
	}

	m.mu.Lock()
	sess.State = StateClosed
	close(sess.done)
	close(sess.recv)
	delete(m.sessions, sess.Peer)
	delete(m.byID, id)
	m.mu.Unlock()
	return nil
}

// Cleanup expires attempts past their deadline and sessions past
// IdleThreshold, returning counts of each.
func (m *Manager) Cleanup(ctx context.Context) (closedSessions int, canceledAttempts int) {
	now := m.cfg.Now()

	m.mu.Lock()
	for nonce, a := range m.attempts {
		if now.Sub(a.Start) > a.Timeout {
			delete(m.attempts, nonce)
			canceledAttempts++
		}
	}

	var toClose []uint64
	for id, sess := range m.byID {
		if now.Sub(sess.LastActivity) > m.cfg.IdleThreshold {
			toClose = append(toClose, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toClose {
		_ = m.CloseSession(ctx, id)
		closedSessions++
	}
	return closedSessions, canceledAttempts
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sendHeartbeats(ctx)
		}
	}
}

func (m *Manager) sendHeartbeats(ctx context.Context) {
	m.mu.Lock()
	targets := make([]*ClientSession, 0, len(m.byID))
	for _, sess := range m.byID {
		if sess.State == StateEstablished || sess.State == StateDegraded {
			targets = append(targets, sess)
		}
	}
	m.mu.Unlock()

	var newlyDegraded []uint64
	for _, sess := range targets {
		hb := &wire.Heartbeat{SessionID: sess.ID, InitiatorPubKey: m.cfg.Self, AuthToken: sess.AuthToken}
		frame, err := m.cfg.Codec.Encode(hb, true, m.cfg.Now())
		if err != nil {
			continue
		}
		if err := m.transport.SendTo(ctx, sess.RelayEndpoint, frame); err != nil {
			m.log.Debug("session: heartbeat send failed", zap.Uint64("session_id", sess.ID), zap.Error(err))
		}

		m.mu.Lock()
		sess.MissedHeartbeats++
		if sess.MissedHeartbeats >= DefaultMissedHeartbeats && sess.State == StateEstablished {
			sess.State = StateDegraded
			newlyDegraded = append(newlyDegraded, sess.ID)
		}
		m.mu.Unlock()
	}

	// A session degraded on this pass is re-checked against the cache: if
	// the peer no longer needs relaying, the cache has already decided
	// against it and the session is torn down rather than left to linger
	// until the idle-threshold reaper.
	for _, id := range newlyDegraded {
		m.mu.Lock()
		sess, ok := m.byID[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		needs, err := m.cache.NeedsRelay(ctx, sess.Peer)
		if err != nil {
			m.log.Debug("session: needs_relay check failed", zap.Uint64("session_id", id), zap.Error(err))
			continue
		}
		if !needs {
			_ = m.CloseSession(ctx, id)
		}
	}
}

func randomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
