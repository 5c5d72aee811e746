package session

import "errors"

// Terminal errors returned by the Session Manager's public contract (spec
// §7). They are sentinel values so callers can use errors.Is.
var (
	// ErrNoRelayAvailable means every candidate relay was exhausted without
	// establishing a session.
	ErrNoRelayAvailable = errors.New("session: no relay available")
	// ErrUnauthorized means a relay rejected the pair with status=unauthorized
	// or unknown-target; the manager does not retry other relays for this.
	ErrUnauthorized = errors.New("session: unauthorized")
	// ErrTimeout means the adaptive per-attempt deadline elapsed waiting for
	// a ConnectionResponse.
	ErrTimeout = errors.New("session: timeout")
	// ErrCapacityExhausted means max_attempts relays all returned
	// no-capacity or rate-limited.
	ErrCapacityExhausted = errors.New("session: capacity exhausted")
	// ErrProtocolError means a relay's response could not be parsed or
	// violated the wire contract.
	ErrProtocolError = errors.New("session: protocol error")
	// ErrNoActiveSession is returned by SendPacket when target has no
	// established session.
	ErrNoActiveSession = errors.New("session: no active session")
	// ErrFrameTooLarge is returned by SendPacket when the encoded frame
	// would exceed the configured MTU.
	ErrFrameTooLarge = errors.New("session: frame too large")
)
