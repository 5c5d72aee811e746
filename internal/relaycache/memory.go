package relaycache

import (
	"context"
	"sync"
	"time"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// MemoryCache is an in-process CacheIntegration with no persistence, used
// in tests and for clients that opt out of the on-disk cache.
type MemoryCache struct {
	mu sync.Mutex

	thresh int
	window time.Duration
	now    func() time.Time

	failures map[wire.PubKey]failureStreak
	hints    map[wire.PubKey]RelayHint
}

type failureStreak struct {
	count int
	last  time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		thresh:   DefaultFailureThreshold,
		window:   DefaultFailureWindow,
		now:      time.Now,
		failures: make(map[wire.PubKey]failureStreak),
		hints:    make(map[wire.PubKey]RelayHint),
	}
}

func (c *MemoryCache) NeedsRelay(_ context.Context, peer wire.PubKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.failures[peer]
	if !ok || c.now().Sub(s.last) > c.window {
		return false, nil
	}
	return s.count >= c.thresh, nil
}

func (c *MemoryCache) RecordFailure(_ context.Context, peer wire.PubKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s, ok := c.failures[peer]
	if !ok || now.Sub(s.last) > c.window {
		s = failureStreak{count: 0}
	}
	s.count++
	s.last = now
	c.failures[peer] = s
	return nil
}

func (c *MemoryCache) RecordRelaySuccess(_ context.Context, peer wire.PubKey, relayEndpoint string, relayKey wire.PubKey, sessionID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, peer)
	c.hints[peer] = RelayHint{
		RelayEndpoint: relayEndpoint,
		RelayKey:      relayKey,
		SessionID:     sessionID,
		RecordedAt:    c.now(),
	}
	return nil
}

func (c *MemoryCache) PreferredRelay(_ context.Context, peer wire.PubKey) (RelayHint, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hints[peer]
	return h, ok, nil
}

func (c *MemoryCache) Close() error { return nil }

var _ CacheIntegration = (*MemoryCache)(nil)
