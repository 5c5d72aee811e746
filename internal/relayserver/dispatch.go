package relayserver

import (
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/relaymetrics"
	"github.com/formthefog/form-net-relay/internal/wire"
)

// handleDatagram decodes one inbound datagram and dispatches it by message
// tag. Malformed datagrams are counted and dropped without a
// reply.
func (s *Service) handleDatagram(raw []byte, addr net.Addr) {
	frame, err := s.cfg.Codec.Decode(raw)
	if err != nil {
		relaymetrics.ProtocolErrorsTotal.Inc()
		return
	}

	switch msg := frame.Message.(type) {
	case *wire.ConnectionRequest:
		s.handleConnectionRequest(msg, addr)
	case *wire.RelayPacket:
		s.handleRelayPacket(msg, addr)
	case *wire.Heartbeat:
		s.handleHeartbeat(msg, addr)
	case *wire.ExtendSession:
		s.handleExtendSession(msg, addr)
	case *wire.DiscoveryQuery:
		s.handleDiscoveryQuery(msg, addr)
	case *wire.RelayAnnouncement:
		s.handleRelayAnnouncement(msg, addr)
	default:
		relaymetrics.ProtocolErrorsTotal.Inc()
	}
}

func (s *Service) handleConnectionRequest(req *wire.ConnectionRequest, addr net.Addr) {
	s.addrs.Learn(req.InitiatorPubKey, addr)

	ip := hostOf(addr)
	if !s.limiter.AllowRate(ip) {
		relaymetrics.RateLimitedTotal.Inc()
		s.sendFrame(&wire.ConnectionResponse{RequestNonce: req.Nonce, StatusCode: wire.StatusRateLimited}, false, addr)
		return
	}

	if !s.authorizePair(req.InitiatorPubKey, req.TargetPubKey) {
		s.sendFrame(&wire.ConnectionResponse{RequestNonce: req.Nonce, StatusCode: wire.StatusUnauthorized}, false, addr)
		return
	}

	if !s.limiter.AllowSessionCount(s.table, req.InitiatorPubKey) {
		s.sendFrame(&wire.ConnectionResponse{RequestNonce: req.Nonce, StatusCode: wire.StatusNoCapacity}, false, addr)
		return
	}

	sessionID, err := randomSessionID()
	if err != nil {
		s.log.Error("relayserver: session id generation failed", zap.Error(err))
		s.sendFrame(&wire.ConnectionResponse{RequestNonce: req.Nonce, StatusCode: wire.StatusProtocolError}, false, addr)
		return
	}

	now := s.cfg.Now()
	token := s.auth.Derive(sessionID, req.InitiatorPubKey, req.TargetPubKey, now.UnixMilli())

	sess := &Session{
		ID:            sessionID,
		Initiator:     req.InitiatorPubKey,
		Target:        req.TargetPubKey,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
		LastActivity:  now,
		InitiatorAddr: addr,
		AuthToken:     token,
		Throttle:      NewBandwidthThrottle(s.cfg.Limits.MaxBandwidthPerSession),
	}
	if targetAddr, ok := s.addrs.Lookup(req.TargetPubKey); ok {
		sess.TargetAddr = targetAddr
	}

	// The response MUST NOT be sent before the session is durably installed
	//.
	s.table.Insert(sess)
	relaymetrics.SessionsCreatedTotal.Inc()
	relaymetrics.ActiveSessions.Set(float64(s.table.Len()))
	s.publishEvent(SessionEvent{Type: EventSessionCreated, SessionID: sessionID, Initiator: req.InitiatorPubKey, Target: req.TargetPubKey, At: now})

	s.sendFrame(&wire.ConnectionResponse{
		RequestNonce: req.Nonce,
		StatusCode:   wire.StatusSuccess,
		SessionID:    sessionID,
		ServerTimeMs: uint64(now.UnixMilli()),
		AuthToken:    token,
	}, false, addr)
}

// authorizePair defaults to authorizing all pairs, with an explicit hook
// for future policy. AuthorizePolicy, if set, overrides the default.
func (s *Service) authorizePair(initiator, target wire.PubKey) bool {
	if s.cfg.AuthorizePolicy != nil {
		return s.cfg.AuthorizePolicy(initiator, target)
	}
	return true
}

func (s *Service) handleRelayPacket(pkt *wire.RelayPacket, addr net.Addr) {
	sess, ok := s.table.Get(pkt.SessionID)
	if !ok {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}

	sender, senderOK := identifySender(sess, addr)
	if !senderOK {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}
	if pkt.DestPubKey != otherParty(sess, sender) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}

	if !s.table.CheckAndAdvanceReplay(sess.ID, pkt.Ts, s.cfg.TSWindow) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}

	if len(pkt.Payload) > s.limiter.MaxPayload(s.cfg.Codec.MTU) {
		relaymetrics.PayloadTooLargeTotal.Inc()
		return
	}

	s.addrs.Learn(sender, addr)
	s.table.Touch(sess.ID, sender, addr, s.cfg.Now(), uint64(len(pkt.Payload)))
	s.totalBytesIn.Add(uint64(len(pkt.Payload)))

	destAddr, ok := s.addrs.Lookup(pkt.DestPubKey)
	if !ok {
		relaymetrics.UndeliverableTotal.Inc()
		return
	}

	if sess.Throttle != nil && !sess.Throttle.Allow(len(pkt.Payload)) {
		return // silently dropped, per spec's leaky-bucket throttling
	}

	out := &wire.RelayPacket{
		DestPubKey: pkt.DestPubKey,
		SessionID:  pkt.SessionID,
		Flags:      pkt.Flags,
		Ts:         pkt.Ts,
		Payload:    pkt.Payload,
	}
	s.sendFrame(out, true, destAddr)
	s.table.RecordForward(sess.ID, uint64(len(pkt.Payload)))
	s.totalBytesOut.Add(uint64(len(pkt.Payload)))
	relaymetrics.PacketsForwardedTotal.Inc()
	relaymetrics.BytesForwardedTotal.Add(float64(len(pkt.Payload)))
}

// identifySender reports which party in sess this address+implied identity
// corresponds to. Since RelayPacket carries no source pubkey, identity is
// inferred from the learned address matching either party's last-known
// address.
func identifySender(sess *Session, addr net.Addr) (wire.PubKey, bool) {
	a := addr.String()
	if sess.InitiatorAddr != nil && sess.InitiatorAddr.String() == a {
		return sess.Initiator, true
	}
	if sess.TargetAddr != nil && sess.TargetAddr.String() == a {
		return sess.Target, true
	}
	// Unknown address for a known session: treat the session's two sides
	// as provisionally either party is acceptable only when one side's
	// address has not been learned yet (e.g. this is its first packet).
	if sess.InitiatorAddr == nil {
		return sess.Initiator, true
	}
	if sess.TargetAddr == nil {
		return sess.Target, true
	}
	return wire.PubKey{}, false
}

func otherParty(sess *Session, who wire.PubKey) wire.PubKey {
	if who == sess.Initiator {
		return sess.Target
	}
	return sess.Initiator
}

func (s *Service) handleHeartbeat(hb *wire.Heartbeat, addr net.Addr) {
	sess, ok := s.table.Get(hb.SessionID)
	if !ok {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}
	if !s.auth.Verify(sess.ID, sess.Initiator, sess.Target, sess.CreatedAt.UnixMilli(), hb.AuthToken) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}

	s.addrs.Learn(hb.InitiatorPubKey, addr)
	s.table.Touch(sess.ID, hb.InitiatorPubKey, addr, s.cfg.Now(), 0)

	// Reply with a zero-payload RelayPacket echo addressed back to the
	// heartbeater, letting its client treat any inbound packet as liveness.
	echo := &wire.RelayPacket{DestPubKey: hb.InitiatorPubKey, SessionID: sess.ID, Ts: uint64(s.cfg.Now().UnixMilli())}
	s.sendFrame(echo, true, addr)
}

func (s *Service) handleExtendSession(ext *wire.ExtendSession, addr net.Addr) {
	sess, ok := s.table.Get(ext.SessionID)
	if !ok {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}
	if !s.auth.Verify(sess.ID, sess.Initiator, sess.Target, sess.CreatedAt.UnixMilli(), ext.AuthToken) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}

	newExpiry, ok := s.table.ExtendExpiry(sess.ID, ext.ExtendMs, s.cfg.MaxSessionLifetime)
	if !ok {
		return
	}
	s.sendFrame(&wire.ConnectionResponse{
		StatusCode:   wire.StatusSuccess,
		SessionID:    sess.ID,
		ServerTimeMs: uint64(newExpiry.UnixMilli()),
	}, true, addr)
}

func (s *Service) handleDiscoveryQuery(q *wire.DiscoveryQuery, addr net.Addr) {
	limit := int(q.MaxResults)
	if limit <= 0 {
		limit = 64
	}
	region := strings.TrimSpace(q.RegionFilter)
	entries := s.reg.FindRelays(region, region != "", q.RequiredCapabilities, limit)

	infos := make([]wire.RelayNodeInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info)
	}
	s.sendFrame(&wire.DiscoveryResponse{Entries: infos}, false, addr)
}

func (s *Service) handleRelayAnnouncement(ann *wire.RelayAnnouncement, addr net.Addr) {
	if ann.Signed && !s.verifyAnnouncement(ann) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}
	if !ann.Signed && !s.isBootstrapPeer(addr) {
		relaymetrics.UnauthDropsTotal.Inc()
		return
	}
	s.reg.RegisterRelay(ann.Info)
}

// verifyAnnouncement checks a signed RelayAnnouncement's signature. A
// configured VerifyAnnouncement overrides the default, which checks the
// HMAC against this relay's own server secret: relays that gossip together
// are expected to share one.
func (s *Service) verifyAnnouncement(ann *wire.RelayAnnouncement) bool {
	if s.cfg.VerifyAnnouncement != nil {
		return s.cfg.VerifyAnnouncement(ann)
	}
	return s.auth.VerifyAnnouncementSignature(ann.Info, ann.Signature)
}

func (s *Service) isBootstrapPeer(addr net.Addr) bool {
	host := hostOf(addr)
	for _, ep := range s.cfg.BootstrapEndpoints {
		if strings.HasPrefix(ep, host+":") || ep == addr.String() {
			return true
		}
	}
	return false
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
