package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/formthefog/form-net-relay/internal/latency"
	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/relayflag"
	"github.com/formthefog/form-net-relay/internal/wire"
)

const (
	DefaultSessionTTL        = time.Hour
	DefaultIdleThreshold     = 120 * time.Second
	DefaultSweepInterval     = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTSWindow          = 30 * time.Second
	DefaultMaxSessionLifetime = 24 * time.Hour
	DefaultDiscoveryInterval  = 5 * time.Minute
	DefaultShutdownGrace      = 5 * time.Second
)

// Config is RelayConfig's runtime-facing subset consumed directly by
// Service: timing knobs and identity fields.
type Config struct {
	ListenAddr string
	PubKey     wire.PubKey
	Region     string
	HasRegion  bool
	Capabilities uint32

	Limits ResourceLimits

	SessionTTL         time.Duration
	IdleThreshold      time.Duration
	SweepInterval      time.Duration
	HeartbeatInterval  time.Duration
	TSWindow           time.Duration
	ClockSkewMax       time.Duration
	MaxSessionLifetime time.Duration

	BackgroundDiscoveryEnabled bool
	DiscoveryInterval          time.Duration
	BootstrapEndpoints         []string

	PersistencePath string
	SnapshotInterval time.Duration

	ShutdownGrace time.Duration

	ServerSecret []byte

	// AuthorizePolicy overrides the default "authorize all pairs" policy
	// for ConnectionRequest. Nil means allow-all.
	AuthorizePolicy func(initiator, target wire.PubKey) bool
	// VerifyAnnouncement overrides acceptance of signed RelayAnnouncement
	// messages. Nil means the announcement's signature is checked against
	// ServerSecret.
	VerifyAnnouncement func(ann *wire.RelayAnnouncement) bool

	// OnSessionEvent, if set, is called synchronously on every session
	// create/expire transition. Admin/observability surfaces subscribe
	// through this hook rather than polling the session table. Callers
	// MUST NOT block: it runs on the dispatch or sweep goroutine.
	OnSessionEvent func(ev SessionEvent)

	Codec *wire.Codec
	Now   func() time.Time

	// Latency sizes the bootstrap discovery query timeout from observed
	// round-trip samples instead of a fixed constant. Nil constructs a
	// Registry with package defaults.
	Latency *latency.Registry
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TSWindow <= 0 {
		c.TSWindow = DefaultTSWindow
	}
	if c.ClockSkewMax <= 0 {
		c.ClockSkewMax = wire.ClockSkewMax
	}
	if c.MaxSessionLifetime <= 0 {
		c.MaxSessionLifetime = DefaultMaxSessionLifetime
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Codec == nil {
		c.Codec = &wire.Codec{MTU: wire.DefaultMTU, ClockSkewMax: c.ClockSkewMax, Now: c.Now}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Latency == nil {
		c.Latency = latency.NewRegistry(0, latency.Config{})
	}
	return c
}

// Service is the server-side Relay Service.
type Service struct {
	cfg Config
	log *zap.Logger

	conn net.PacketConn

	auth    *Authenticator
	limiter *Limiter
	table   *SessionTable
	reg     *registry.Registry

	addrs *addressBook

	bootstrapper *registry.Bootstrapper

	totalBytesIn  atomic.Uint64
	totalBytesOut atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Service bound to no socket yet; Start performs the bind.
func New(cfg Config, log *zap.Logger, reg *registry.Registry, transport registry.BootstrapTransport) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	svc := &Service{
		cfg:     cfg,
		log:     log,
		auth:    NewAuthenticator(cfg.ServerSecret),
		limiter: NewLimiter(cfg.Limits),
		table:   NewSessionTable(DefaultShardCount),
		reg:     reg,
		addrs:   newAddressBook(),
	}
	if transport != nil {
		svc.bootstrapper = registry.NewBootstrapper(reg, transport, cfg.Latency.Recommend(cfg.PubKey))
	}
	return svc
}

// Start binds the configured UDP address and spawns the receiver, sweeper,
// and (if enabled) discovery tasks under an errgroup.
func (s *Service) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relayserver: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	if s.cfg.BackgroundDiscoveryEnabled {
		g.Go(func() error { return s.discoveryLoop(gctx) })
	}
	if s.cfg.PersistencePath != "" {
		g.Go(func() error { return s.snapshotLoop(gctx) })
	}

	relayflag.Enable()
	s.log.Info("relayserver: started", zap.String("addr", s.cfg.ListenAddr))
	return nil
}

// Stop signals all tasks, waits up to ShutdownGrace, then closes the
// socket unconditionally.
func (s *Service) Stop() error {
	defer relayflag.Disable()
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		s.closeConn()
		return err
	case <-time.After(s.cfg.ShutdownGrace):
		s.closeConn()
		return fmt.Errorf("relayserver: shutdown grace period exceeded")
	}
}

func (s *Service) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Service) receiveLoop(ctx context.Context) error {
	buf := make([]byte, wire.DefaultMTU+wire.FrameHeaderLen+64)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(s.cfg.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warn("relayserver: socket receive error", zap.Error(err))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, addr)
	}
}

func (s *Service) sendFrame(msg wire.Message, authenticated bool, addr net.Addr) {
	frame, err := s.cfg.Codec.Encode(msg, authenticated, s.cfg.Now())
	if err != nil {
		s.log.Debug("relayserver: encode failed", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(frame, addr); err != nil {
		s.log.Debug("relayserver: write failed", zap.Error(err))
	}
}

func randomSessionID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func resolveEndpoint(endpoint string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", endpoint)
}

// Table exposes the session table for admin/introspection use.
func (s *Service) Table() *SessionTable { return s.table }

// Registry exposes the registry for admin/introspection use.
func (s *Service) Registry() *registry.Registry { return s.reg }

// SetOnSessionEvent wires a session lifecycle subscriber after construction,
// letting an admin surface attach once it has been built from this Service.
// Not safe to call concurrently with Start.
func (s *Service) SetOnSessionEvent(fn func(ev SessionEvent)) {
	s.cfg.OnSessionEvent = fn
}
