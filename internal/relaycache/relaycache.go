// Package relaycache implements CacheIntegration: the client
// session manager's hook for deciding when a peer needs relay fallback, and
// for remembering which relay last worked for a peer so future attempts can
// skip straight to it.
package relaycache

import (
	"context"
	"time"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// CacheIntegration is the interface the session manager consults before and
// after every connection attempt.
type CacheIntegration interface {
	// NeedsRelay reports whether peer has recently failed enough direct
	// connection attempts to warrant trying a relay instead.
	NeedsRelay(ctx context.Context, peer wire.PubKey) (bool, error)
	// RecordFailure notes one failed direct-connection attempt to peer.
	RecordFailure(ctx context.Context, peer wire.PubKey) error
	// RecordRelaySuccess remembers that sessionID via relayKey/relayEndpoint
	// successfully reached peer, so it can be tried first next time.
	RecordRelaySuccess(ctx context.Context, peer wire.PubKey, relayEndpoint string, relayKey wire.PubKey, sessionID uint64) error
	// PreferredRelay returns the last relay recorded for peer, if any.
	PreferredRelay(ctx context.Context, peer wire.PubKey) (RelayHint, bool, error)
	Close() error
}

// RelayHint is what PreferredRelay returns: enough to retry a session
// without a fresh discovery round.
type RelayHint struct {
	RelayEndpoint string
	RelayKey      wire.PubKey
	SessionID     uint64
	RecordedAt    time.Time
}

// DefaultFailureThreshold is how many consecutive direct-connection
// failures NeedsRelay requires before returning true.
const DefaultFailureThreshold = 3

// DefaultFailureWindow bounds how long failures stay "consecutive"; a
// success or a gap longer than this resets the count.
const DefaultFailureWindow = 10 * time.Minute
