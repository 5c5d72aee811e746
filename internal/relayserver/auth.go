package relayserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// Authenticator derives and verifies the 128-bit auth_token MAC bound to a
// session's immutable fields: a server-side secret over {session_id,
// initiator, target, creation_time}. It deliberately uses stdlib
// crypto/hmac+crypto/sha256 rather than an external crypto package;
// see the grounding ledger for why.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator holds secret by reference; callers own its lifecycle.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Derive computes the 16-byte auth_token for a session's immutable tuple.
func (a *Authenticator) Derive(sessionID uint64, initiator, target wire.PubKey, createdAtUnixMs int64) wire.AuthToken {
	mac := hmac.New(sha256.New, a.secret)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sessionID)
	mac.Write(buf[:])
	mac.Write(initiator[:])
	mac.Write(target[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(createdAtUnixMs))
	mac.Write(buf[:])

	sum := mac.Sum(nil) // 32 bytes; auth_token truncates to the first 16
	var token wire.AuthToken
	copy(token[:], sum[:len(token)])
	return token
}

// Verify reports whether token matches the MAC recomputed from the given
// tuple, using a constant-time comparison.
func (a *Authenticator) Verify(sessionID uint64, initiator, target wire.PubKey, createdAtUnixMs int64, token wire.AuthToken) bool {
	expected := a.Derive(sessionID, initiator, target, createdAtUnixMs)
	return hmac.Equal(expected[:], token[:])
}

// SignAnnouncement computes the HMAC-SHA256 of info's canonical encoding,
// used as RelayAnnouncement.Signature. Relays that gossip with one another
// share the same server secret, so any relay in the mesh can verify any
// other's self-announcement.
func (a *Authenticator) SignAnnouncement(info wire.RelayNodeInfo) [64]byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(info.Marshal())
	sum := mac.Sum(nil) // 32 bytes

	var sig [64]byte
	copy(sig[:], sum)
	return sig
}

// VerifyAnnouncementSignature reports whether sig is a valid signature over
// info's canonical encoding, using a constant-time comparison.
func (a *Authenticator) VerifyAnnouncementSignature(info wire.RelayNodeInfo, sig [64]byte) bool {
	expected := a.SignAnnouncement(info)
	return hmac.Equal(expected[:], sig[:])
}
