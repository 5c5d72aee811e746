// Command formrelayd runs a standalone form-net relay node: the UDP Relay
// Service plus its admin/observability HTTP surface.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/latency"
	"github.com/formthefog/form-net-relay/internal/registry"
	"github.com/formthefog/form-net-relay/internal/relayadmin"
	"github.com/formthefog/form-net-relay/internal/relayconfig"
	"github.com/formthefog/form-net-relay/internal/relayserver"
	"github.com/formthefog/form-net-relay/internal/wire"
)

// newLatencyRegistry builds the adaptive-timeout estimator used to size the
// bootstrap discovery query timeout. A disabled config yields a Registry
// that never accumulates enough samples to leave its fixed default.
func newLatencyRegistry(cfg relayconfig.AdaptiveTimeoutsConfig) *latency.Registry {
	lc := latency.Config{
		MinSamples: cfg.MinSamples,
		Window:     cfg.MaxSamples,
		Multiplier: cfg.Multiplier,
		Min:        cfg.MinTimeout,
		Max:        cfg.MaxTimeout,
	}
	if !cfg.Enabled {
		lc.MinSamples = int(^uint(0) >> 1) // never enough samples to adapt
	}
	return latency.NewRegistry(0, lc)
}

// nodePubKey resolves this node's identity from RELAY_NODE_PUBKEY (a 64-char
// hex string), or generates a random one for the life of the process if
// unset. A persistent identity should be pinned via the env var so peers
// recognize this node across restarts.
func nodePubKey() wire.PubKey {
	var pk wire.PubKey
	if hexKey := os.Getenv("RELAY_NODE_PUBKEY"); hexKey != "" {
		if b, err := hex.DecodeString(hexKey); err == nil && len(b) == len(pk) {
			copy(pk[:], b)
			return pk
		}
	}
	var seed [32]byte
	_, _ = rand.Read(seed[:])
	sum := sha256.Sum256(seed[:])
	copy(pk[:], sum[:])
	return pk
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("formrelayd: failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	relayconfig.LoadDotEnv()
	cfg := relayconfig.LoadRelayConfig()

	if cfg.ServerSecret == "" {
		logger.Fatal("formrelayd: RELAY_SERVER_SECRET is required")
	}

	reg := registry.New(registry.Config{}, logger)

	svcCfg := relayserver.Config{
		ListenAddr:   cfg.ListenAddr,
		PubKey:       nodePubKey(),
		Region:       cfg.Region,
		HasRegion:    cfg.HasRegion,
		Capabilities: cfg.Capabilities,

		Limits: relayserver.ResourceLimits{
			MaxTotalSessions:            cfg.MaxTotalSessions,
			MaxSessionsPerClient:        cfg.MaxSessionsPerClient,
			MaxConnectionRate:           cfg.MaxConnectionRate,
			MaxConnectionRateBurst:      cfg.MaxConnectionRateBurst,
			MaxConnectionRatePerIP:      cfg.MaxConnectionRatePerIP,
			MaxConnectionRatePerIPBurst: cfg.MaxConnectionRatePerIPBurst,
			MaxBandwidthPerSession:      cfg.MaxBandwidthPerSession,
		},

		SessionTTL:         cfg.SessionTTL,
		IdleThreshold:      cfg.IdleThreshold,
		SweepInterval:      cfg.SweepInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		TSWindow:           cfg.TSWindow,
		MaxSessionLifetime: cfg.MaxSessionLifetime,

		BackgroundDiscoveryEnabled: cfg.BackgroundDiscoveryEnabled,
		DiscoveryInterval:          cfg.DiscoveryInterval,
		BootstrapEndpoints:         cfg.BootstrapEndpoints,

		PersistencePath:  cfg.PersistencePath,
		SnapshotInterval: cfg.SnapshotInterval,

		ShutdownGrace: cfg.ShutdownGrace,
		ServerSecret:  []byte(cfg.ServerSecret),

		Latency: newLatencyRegistry(cfg.AdaptiveTimeouts),
	}

	svc := relayserver.New(svcCfg, logger, reg, nil)
	admin := relayadmin.New(logger, svc, reg, cfg.AdminListenAddr)
	svc.SetOnSessionEvent(admin.OnSessionEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("formrelayd: failed to start relay service", zap.Error(err))
	}

	go func() {
		if err := admin.Start(); err != nil {
			logger.Error("formrelayd: admin server stopped", zap.Error(err))
		}
	}()

	logger.Info("formrelayd: running",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("admin_addr", cfg.AdminListenAddr))

	<-ctx.Done()
	logger.Info("formrelayd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Warn("formrelayd: admin shutdown error", zap.Error(err))
	}
	if err := svc.Stop(); err != nil {
		logger.Warn("formrelayd: relay service shutdown error", zap.Error(err))
	}
	logger.Info("formrelayd: stopped")
}
