package session

import (
	"time"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// State is a client session's position in the Requested -> Established ->
// {Degraded, Closing} -> Closed state machine.
type State int

const (
	StateRequested State = iota
	StateEstablished
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientSession is the client-side shadow of a server-authoritative
// Session: same id and keys, no server secret. Owned exclusively by a
// Manager's session table.
type ClientSession struct {
	ID              uint64
	Self            wire.PubKey
	Peer            wire.PubKey
	RelayKey        wire.PubKey
	RelayEndpoint   string
	AuthToken       wire.AuthToken
	State           State
	CreatedAt       time.Time
	LastActivity    time.Time
	MissedHeartbeats int

	recv chan []byte
	done chan struct{}
}

func newClientSession(id uint64, self, peer, relayKey wire.PubKey, relayEndpoint string, token wire.AuthToken, now time.Time) *ClientSession {
	return &ClientSession{
		ID:            id,
		Self:          self,
		Peer:          peer,
		RelayKey:      relayKey,
		RelayEndpoint: relayEndpoint,
		AuthToken:     token,
		State:         StateEstablished,
		CreatedAt:     now,
		LastActivity:  now,
		recv:          make(chan []byte, 64),
		done:          make(chan struct{}),
	}
}

// ConnectionAttempt is a transient record for one outstanding
// ConnectionRequest.
type ConnectionAttempt struct {
	Nonce   uint64
	TraceID string
	Target  wire.PubKey
	Relay   wire.PubKey
	Endpoint string
	Start    time.Time
	Timeout  time.Duration

	resultCh chan connectResult
}

type connectResult struct {
	resp *wire.ConnectionResponse
	err  error
}

// FallbackDecision is a sealed two-case variant: either the caller should
// try a direct path, or the manager has (or will) establish a relayed one.
type FallbackDecision int

const (
	// DirectPreferred means CacheIntegration.NeedsRelay returned false; the
	// caller should attempt a direct connection and report the outcome via
	// RecordFailure/RecordRelaySuccess.
	DirectPreferred FallbackDecision = iota
	// RelayPreferred means the manager should proceed straight to relay
	// selection.
	RelayPreferred
)
