// Package registry implements the in-memory set of known relays: scoring,
// selection, pruning, and bootstrap-driven discovery refresh.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/wire"
)

const (
	// DefaultMinReliability excludes relays below this reliability from
	// select_best_relay.
	DefaultMinReliability = 20
	// DefaultStaleTTL is how long an entry with zero recent successes may
	// sit idle before prune() removes it.
	DefaultStaleTTL = time.Hour
	// DefaultPruneWindow is the trailing window prune() checks for
	// successes before treating an entry as stale.
	DefaultPruneWindow = 15 * time.Minute
)

// Entry is a RelayNodeInfo plus registry bookkeeping, keyed by public key.
type Entry struct {
	Info wire.RelayNodeInfo

	FirstSeen      time.Time
	LastSeen       time.Time
	RecentSuccess  int
	RecentFailures int
	// LastSuccessAt is the most recent time RecordSuccess was called; the
	// zero value means "never".
	LastSuccessAt time.Time
}

func (e Entry) key() wire.PubKey { return e.Info.PubKey }

// Clone returns a deep-enough copy safe to hand to callers outside the lock.
func (e Entry) Clone() Entry {
	cp := e
	cp.Info.Endpoints = append([]string(nil), e.Info.Endpoints...)
	return cp
}

// Config tunes registry-wide defaults.
type Config struct {
	MinReliability uint8
	StaleTTL       time.Duration
	PruneWindow    time.Duration
	Now            func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinReliability == 0 {
		out.MinReliability = DefaultMinReliability
	}
	if out.StaleTTL == 0 {
		out.StaleTTL = DefaultStaleTTL
	}
	if out.PruneWindow == 0 {
		out.PruneWindow = DefaultPruneWindow
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Registry is the in-memory, concurrency-safe set of known relays.
//
// Reads (FindRelays, SelectBestRelay, Get, Len, Snapshot) take the read lock; writes
// (RegisterRelay, Prune) take the exclusive lock. No network I/O is ever
// performed while holding either lock — RefreshFromBootstrap runs its
// queries outside the lock and merges results afterward,
type Registry struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	entries map[wire.PubKey]*Entry
}

// New constructs an empty Registry.
func New(cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		log:     log,
		entries: make(map[wire.PubKey]*Entry),
	}
}

// RegisterRelay inserts or updates an entry. For an existing key, fields are
// merged: a newer LastResultTime wins, load and latency always overwrite.
func (r *Registry) RegisterRelay(info wire.RelayNodeInfo) {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[info.PubKey]
	if !ok {
		r.entries[info.PubKey] = &Entry{
			Info:      info,
			FirstSeen: now,
			LastSeen:  now,
		}
		return
	}

	merged := existing.Info
	merged.Endpoints = info.Endpoints
	merged.Load = info.Load
	merged.HasLatency = info.HasLatency
	merged.LatencyMs = info.LatencyMs
	merged.Capabilities = info.Capabilities
	merged.MaxSessions = info.MaxSessions
	merged.ProtocolVersion = info.ProtocolVersion
	if info.HasRegion {
		merged.HasRegion = true
		merged.Region = info.Region
	}
	if info.HasPacketLoss {
		merged.HasPacketLoss = true
		merged.PacketLoss = info.PacketLoss
	}

	// A newer last_result_time wins for the reliability sample.
	if info.HasLastResultTime &&
		(!existing.Info.HasLastResultTime || info.LastResultTimeMs >= existing.Info.LastResultTimeMs) {
		merged.HasLastResultTime = true
		merged.LastResultTimeMs = info.LastResultTimeMs
		merged.Reliability = info.Reliability
	}

	existing.Info = merged
	existing.LastSeen = now
}

// RecordSuccess bumps an entry's recent-success counter and touches
// LastSeen/LastSuccessAt. Used by session/relay-service callers reporting a
// completed request/response cycle against this relay.
func (r *Registry) RecordSuccess(pub wire.PubKey) {
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[pub]; ok {
		e.RecentSuccess++
		e.LastSeen = now
		e.LastSuccessAt = now
	}
}

// RecordFailure bumps an entry's recent-failure counter.
func (r *Registry) RecordFailure(pub wire.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[pub]; ok {
		e.RecentFailures++
	}
}

// Get returns a copy of the entry for pub, if known.
func (r *Registry) Get(pub wire.PubKey) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pub]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Len returns the number of known entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// hasCapabilities reports whether mask is a superset of required.
func hasCapabilities(mask, required uint32) bool {
	return mask&required == required
}

// FindRelays returns up to limit entries whose capability bitmask is a
// superset of required, optionally filtered by region equality, ordered by
// descending score.
func (r *Registry) FindRelays(region string, filterRegion bool, required uint32, limit int) []Entry {
	r.mu.RLock()
	candidates := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !hasCapabilities(e.Info.Capabilities, required) {
			continue
		}
		if filterRegion && (!e.Info.HasRegion || e.Info.Region != region) {
			continue
		}
		candidates = append(candidates, e.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return Score(candidates[i]) > Score(candidates[j])
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// SelectBestRelay returns the single best relay for target, or (Entry{},
// false) if none qualify. target is currently unused by the default
// selection policy (spec leaves room for per-target routing policies) but is
// accepted so callers/implementations can evolve without an API break.
func (r *Registry) SelectBestRelay(target wire.PubKey, required uint32, region string, filterRegion bool) (Entry, bool) {
	_ = target
	minReliability := r.cfg.MinReliability

	r.mu.RLock()
	candidates := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if len(e.Info.Endpoints) == 0 {
			continue
		}
		if e.Info.Load >= 95 {
			continue
		}
		if e.Info.Reliability < minReliability {
			continue
		}
		if !hasCapabilities(e.Info.Capabilities, required) {
			continue
		}
		if filterRegion && (!e.Info.HasRegion || e.Info.Region != region) {
			continue
		}
		candidates = append(candidates, e.Clone())
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Entry{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return less(candidates[j], candidates[i])
	})
	return candidates[0], true
}

// less implements the tie-break order: higher reliability, lower latency,
// lower load, larger recent success count, lexicographic public key. It
// returns true if a should sort before b (a "less than" in
// the sense of the desired ascending-then-reversed order used by callers).
func less(a, b Entry) bool {
	if a.Info.Reliability != b.Info.Reliability {
		return a.Info.Reliability < b.Info.Reliability
	}
	al, bl := latencyOrMax(a.Info), latencyOrMax(b.Info)
	if al != bl {
		return al > bl // lower latency wins => "less" means higher latency
	}
	if a.Info.Load != b.Info.Load {
		return a.Info.Load > b.Info.Load // lower load wins
	}
	if a.RecentSuccess != b.RecentSuccess {
		return a.RecentSuccess < b.RecentSuccess // larger success count wins
	}
	return string(a.key()[:]) > string(b.key()[:]) // lexicographically smaller key wins
}

func latencyOrMax(info wire.RelayNodeInfo) uint32 {
	if !info.HasLatency {
		return ^uint32(0)
	}
	return info.LatencyMs
}

// Prune removes entries older than StaleTTL with zero successes in the
// trailing PruneWindow.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, e := range r.entries {
		age := now.Sub(e.FirstSeen)
		if age <= r.cfg.StaleTTL {
			continue
		}
		recentlySuccessful := !e.LastSuccessAt.IsZero() && now.Sub(e.LastSuccessAt) <= r.cfg.PruneWindow
		if recentlySuccessful {
			continue
		}
		delete(r.entries, k)
		removed++
	}
	if removed > 0 {
		r.log.Debug("registry: pruned stale entries", zap.Int("removed", removed))
	}
	return removed
}

// Snapshot returns a copy of every known entry, for persistence.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	return out
}
