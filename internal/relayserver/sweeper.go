package relayserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/relaymetrics"
)

// sweepLoop runs the periodic expiration sweep: every
// SweepInterval, remove sessions past expires_at or idle beyond
// IdleThreshold.
func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Service) sweepOnce() {
	now := s.cfg.Now()
	removed := s.table.Sweep(now, s.cfg.IdleThreshold, func(sess *Session) {
		relaymetrics.SessionsExpiredTotal.Inc()
		s.publishEvent(SessionEvent{Type: EventSessionExpired, SessionID: sess.ID, Initiator: sess.Initiator, Target: sess.Target, At: now})
	})
	if removed > 0 {
		s.log.Debug("relayserver: swept expired sessions", zap.Int("removed", removed))
	}
	relaymetrics.ActiveSessions.Set(float64(s.table.Len()))
	s.updateDerivedGauges()
}
