// Package relayserver implements the server-side Relay Service (spec
// §4.4): UDP dispatch, admission control, session lifecycle, background
// discovery, and snapshot persistence.
package relayserver

import (
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// DefaultShardCount bounds session-table lock contention; forwarding
// throughput scales with shard count up to the number of distinct
// destinations in flight.
const DefaultShardCount = 32

// Session is the server-authoritative record for one relayed pairing (spec
// §3). Its mutable fields are protected by the owning shard's lock.
type Session struct {
	ID        uint64
	Initiator wire.PubKey
	Target    wire.PubKey

	CreatedAt time.Time
	ExpiresAt time.Time

	LastActivity time.Time

	InitiatorAddr net.Addr
	TargetAddr    net.Addr

	AuthToken wire.AuthToken

	BytesIn     uint64
	BytesOut    uint64
	PacketsIn   uint64
	PacketsOut  uint64

	HighestTS uint64 // replay window: highest RelayPacket/Heartbeat ts seen

	Throttle *BandwidthThrottle // nil when no per-session cap is configured
}

// peerPair is the unordered key for by_peer_pair lookups, canonicalized so
// (A,B) and (B,A) collide"(initiator, target) is ordered"
// invariant on the authoritative record, while still allowing lookup from
// either side.
type peerPair struct {
	a, b wire.PubKey
}

func newPeerPair(x, y wire.PubKey) peerPair {
	if string(x[:]) <= string(y[:]) {
		return peerPair{a: x, b: y}
	}
	return peerPair{a: y, b: x}
}

type shard struct {
	mu       sync.RWMutex
	byID     map[uint64]*Session
	byPeers  map[peerPair]*Session
}

// SessionTable is the sharded, concurrency-safe session store. Shard
// selection hashes the session id so a single session's operations always
// land on the same shard.
type SessionTable struct {
	shards []*shard
}

// NewSessionTable constructs a SessionTable with shardCount shards.
// shardCount <= 0 uses DefaultShardCount.
func NewSessionTable(shardCount int) *SessionTable {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			byID:    make(map[uint64]*Session),
			byPeers: make(map[peerPair]*Session),
		}
	}
	return &SessionTable{shards: shards}
}

func (t *SessionTable) shardFor(id uint64) *shard {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	h.Write(b[:])
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Insert adds a new session under both indexes.
func (t *SessionTable) Insert(sess *Session) {
	s := t.shardFor(sess.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	s.byPeers[newPeerPair(sess.Initiator, sess.Target)] = sess
}

// Get returns the session for id, if present.
func (t *SessionTable) Get(id uint64) (*Session, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	return sess, ok
}

// GetByPeers looks up a session by its (initiator, target) pair regardless
// of order. It scans every shard, since peer-pair hashing is independent of
// session-id hashing. No dispatch path calls it; RelayPacket handling looks
// sessions up by id.
func (t *SessionTable) GetByPeers(a, b wire.PubKey) (*Session, bool) {
	key := newPeerPair(a, b)
	for _, s := range t.shards {
		s.mu.RLock()
		sess, ok := s.byPeers[key]
		s.mu.RUnlock()
		if ok {
			return sess, true
		}
	}
	return nil, false
}

// Delete removes a session from both indexes.
func (t *SessionTable) Delete(id uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byPeers, newPeerPair(sess.Initiator, sess.Target))
}

// Touch updates last-activity, the learned source address for identity, and
// direction counters under the owning shard's lock.
func (t *SessionTable) Touch(id uint64, from wire.PubKey, addr net.Addr, now time.Time, bytesIn uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return
	}
	sess.LastActivity = now
	sess.BytesIn += bytesIn
	sess.PacketsIn++
	if from == sess.Initiator {
		sess.InitiatorAddr = addr
	} else if from == sess.Target {
		sess.TargetAddr = addr
	}
}

// RecordForward bumps outbound counters after a successful forward.
func (t *SessionTable) RecordForward(id uint64, bytesOut uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok {
		sess.BytesOut += bytesOut
		sess.PacketsOut++
	}
}

// CheckAndAdvanceReplay reports whether ts is acceptable (strictly greater
// than highest-seen minus the replay window) and, if so, advances the
// session's high-water mark. It returns false for a replayed or
// out-of-window timestamp.
func (t *SessionTable) CheckAndAdvanceReplay(id uint64, ts uint64, window time.Duration) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return false
	}
	windowMs := uint64(window.Milliseconds())
	if sess.HighestTS > 0 {
		var floor uint64
		if sess.HighestTS > windowMs {
			floor = sess.HighestTS - windowMs
		}
		if ts <= floor {
			return false
		}
	}
	if ts > sess.HighestTS {
		sess.HighestTS = ts
	}
	return true
}

// ExtendExpiry moves expires_at forward by extendMs, capped at maxLifetime
// from creation, and returns the new expiry.
func (t *SessionTable) ExtendExpiry(id uint64, extendMs uint32, maxLifetime time.Duration) (time.Time, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	candidate := sess.ExpiresAt.Add(time.Duration(extendMs) * time.Millisecond)
	maxExpiry := sess.CreatedAt.Add(maxLifetime)
	if candidate.After(maxExpiry) {
		candidate = maxExpiry
	}
	sess.ExpiresAt = candidate
	return candidate, true
}

// CountByInitiator returns the number of live sessions for a given
// initiator public key, used by admission control's per-client cap.
func (t *SessionTable) CountByInitiator(initiator wire.PubKey) int {
	count := 0
	for _, s := range t.shards {
		s.mu.RLock()
		for _, sess := range s.byID {
			if sess.Initiator == initiator {
				count++
			}
		}
		s.mu.RUnlock()
	}
	return count
}

// Range calls fn for every live session across all shards. fn must not call
// back into the SessionTable; it runs under the owning shard's read lock.
func (t *SessionTable) Range(fn func(*Session)) {
	for _, s := range t.shards {
		s.mu.RLock()
		for _, sess := range s.byID {
			fn(sess)
		}
		s.mu.RUnlock()
	}
}

// Len returns the total number of live sessions.
func (t *SessionTable) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.RLock()
		total += len(s.byID)
		s.mu.RUnlock()
	}
	return total
}

// Sweep removes every session that is expired or has exceeded
// idleThreshold, returning the count removed. The callback, if non-nil, is
// invoked per removed session before deletion for stats/metrics hookup.
func (t *SessionTable) Sweep(now time.Time, idleThreshold time.Duration, onExpire func(*Session)) int {
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, sess := range s.byID {
			expired := now.After(sess.ExpiresAt)
			idle := now.Sub(sess.LastActivity) > idleThreshold
			if expired || idle {
				if onExpire != nil {
					onExpire(sess)
				}
				delete(s.byID, id)
				delete(s.byPeers, newPeerPair(sess.Initiator, sess.Target))
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
