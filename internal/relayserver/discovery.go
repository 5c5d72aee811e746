package relayserver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/wire"
)

const discoverySampleSize = 3

// discoveryLoop runs the background discovery/announce task:
// every DiscoveryInterval, refresh from bootstrap endpoints, sample known
// relays, and emit a self-announcement to both. Per-endpoint announce
// failures retry on their own exponential backoff, capped at 30 minutes,
// without blocking the next scheduled tick.
func (s *Service) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	sched := newAnnounceScheduler(s)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.discoveryRound(ctx, sched)
		}
	}
}

func (s *Service) discoveryRound(ctx context.Context, sched *announceScheduler) {
	if s.bootstrapper != nil && len(s.cfg.BootstrapEndpoints) > 0 {
		s.bootstrapper.SetQueryTimeout(s.cfg.Latency.Recommend(s.cfg.PubKey))

		start := s.cfg.Now()
		n, err := s.bootstrapper.RefreshFromBootstrap(ctx, s.cfg.BootstrapEndpoints)
		s.cfg.Latency.Observe(s.cfg.PubKey, s.cfg.Now().Sub(start))
		if err != nil {
			s.log.Warn("relayserver: bootstrap refresh failed", zap.Error(err))
		} else {
			s.log.Debug("relayserver: bootstrap refresh complete", zap.Int("learned", n))
		}
	}

	targets := append([]string{}, s.cfg.BootstrapEndpoints...)
	targets = append(targets, s.sampleKnownRelayEndpoints(discoverySampleSize)...)

	for _, endpoint := range targets {
		sched.announce(ctx, endpoint)
	}
}

func (s *Service) selfInfo() wire.RelayNodeInfo {
	info := wire.RelayNodeInfo{
		PubKey:          s.cfg.PubKey,
		Capabilities:    s.cfg.Capabilities,
		MaxSessions:     uint32(s.cfg.Limits.MaxTotalSessions),
		ProtocolVersion: wire.ProtocolVersion,
	}
	if s.cfg.HasRegion {
		info.HasRegion = true
		info.Region = s.cfg.Region
	}
	if s.cfg.Limits.MaxTotalSessions > 0 {
		info.Load = uint8(100 * s.table.Len() / s.cfg.Limits.MaxTotalSessions)
	}
	return info
}

func (s *Service) sampleKnownRelayEndpoints(n int) []string {
	entries := s.reg.FindRelays("", false, 0, 0)
	if len(entries) == 0 {
		return nil
	}
	rand.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(e.Info.Endpoints) > 0 {
			out = append(out, e.Info.Endpoints[0])
		}
	}
	return out
}

// announceScheduler retries a failed per-endpoint announcement on its own
// exponential backoff timeline, capped at 30 minutes, so one wedged
// endpoint never delays announcing to the rest on the regular tick.
type announceScheduler struct {
	svc *Service

	mu        sync.Mutex
	backoffs  map[string]*backoff.ExponentialBackOff
	inFlight  map[string]bool
}

func newAnnounceScheduler(svc *Service) *announceScheduler {
	return &announceScheduler{
		svc:      svc,
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		inFlight: make(map[string]bool),
	}
}

func (a *announceScheduler) backoffFor(endpoint string) *backoff.ExponentialBackOff {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.backoffs[endpoint]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Minute
		b.MaxElapsedTime = 0
		a.backoffs[endpoint] = b
	}
	return b
}

// announce sends one announcement to endpoint. On failure it launches a
// background retry loop on endpoint's backoff schedule, skipping the launch
// if a retry loop for that endpoint is already running.
func (a *announceScheduler) announce(ctx context.Context, endpoint string) {
	if err := a.svc.sendAnnouncementOnce(endpoint); err == nil {
		return
	}

	a.mu.Lock()
	if a.inFlight[endpoint] {
		a.mu.Unlock()
		return
	}
	a.inFlight[endpoint] = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.inFlight, endpoint)
			a.mu.Unlock()
		}()

		op := func() error { return a.svc.sendAnnouncementOnce(endpoint) }
		bo := backoff.WithContext(a.backoffFor(endpoint), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			a.svc.log.Debug("relayserver: announce retries abandoned", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}()
}

func (s *Service) sendAnnouncementOnce(endpoint string) error {
	addr, err := resolveEndpoint(endpoint)
	if err != nil {
		return fmt.Errorf("relayserver: resolve announce endpoint %s: %w", endpoint, err)
	}
	info := s.selfInfo()
	ann := &wire.RelayAnnouncement{Info: info, Signature: s.auth.SignAnnouncement(info), Signed: true}
	frame, err := s.cfg.Codec.Encode(ann, false, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("relayserver: encode announcement: %w", err)
	}
	if _, err := s.conn.WriteTo(frame, addr); err != nil {
		return fmt.Errorf("relayserver: send announcement to %s: %w", endpoint, err)
	}
	return nil
}
