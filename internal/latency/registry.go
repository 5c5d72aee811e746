package latency

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// DefaultTrackedRelays bounds how many per-relay Trackers a Registry holds
// at once. Least-recently-used relays are evicted first.
const DefaultTrackedRelays = 4096

// Registry hands out a Tracker per relay public key, bounded by an LRU so a
// client that has talked to many transient relays over its lifetime doesn't
// grow this unboundedly.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	cache *lru.Cache
}

// NewRegistry constructs a Registry holding up to maxRelays Trackers, each
// configured per cfg. maxRelays <= 0 uses DefaultTrackedRelays.
func NewRegistry(maxRelays int, cfg Config) *Registry {
	if maxRelays <= 0 {
		maxRelays = DefaultTrackedRelays
	}
	c, err := lru.New(maxRelays)
	if err != nil {
		// Only returns an error for size <= 0, already guarded above.
		panic(err)
	}
	return &Registry{cfg: cfg, cache: c}
}

// Tracker returns the Tracker for pub, creating one on first access.
func (r *Registry) Tracker(pub wire.PubKey) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(pub); ok {
		return v.(*Tracker)
	}
	t := New(r.cfg)
	r.cache.Add(pub, t)
	return t
}

// Observe is a convenience wrapper around Tracker(pub).Observe(rtt).
func (r *Registry) Observe(pub wire.PubKey, rtt time.Duration) {
	r.Tracker(pub).Observe(rtt)
}

// Recommend is a convenience wrapper around Tracker(pub).Recommend().
func (r *Registry) Recommend(pub wire.PubKey) time.Duration {
	return r.Tracker(pub).Recommend()
}

// Len returns the number of relays currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
