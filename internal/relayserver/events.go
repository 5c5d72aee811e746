package relayserver

import (
	"time"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// EventType names a session lifecycle transition an admin surface may want
// to observe.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionExpired EventType = "session_expired"
)

// SessionEvent is published through Config.OnSessionEvent, if set, whenever
// a session is created by handleConnectionRequest or reaped by sweepOnce.
type SessionEvent struct {
	Type      EventType   `json:"type"`
	SessionID uint64      `json:"session_id"`
	Initiator wire.PubKey `json:"initiator"`
	Target    wire.PubKey `json:"target"`
	At        time.Time   `json:"at"`
}

func (s *Service) publishEvent(ev SessionEvent) {
	if s.cfg.OnSessionEvent != nil {
		s.cfg.OnSessionEvent(ev)
	}
}
