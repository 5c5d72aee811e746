// Package relayconfig loads runtime configuration for both the Relay
// Service and the client Session Manager from environment variables,
// mirroring the env-first configuration style used across this codebase.
package relayconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RelayConfig holds the server-side Relay Service's runtime configuration
//.
type RelayConfig struct {
	ListenAddr   string
	Region       string
	HasRegion    bool
	Capabilities uint32

	MaxTotalSessions           int
	MaxSessionsPerClient       int
	MaxConnectionRate          float64
	MaxConnectionRateBurst     int
	MaxConnectionRatePerIP     float64
	MaxConnectionRatePerIPBurst int
	MaxBandwidthPerSession     float64

	SessionTTL         time.Duration
	IdleThreshold      time.Duration
	SweepInterval      time.Duration
	HeartbeatInterval  time.Duration
	TSWindow           time.Duration
	MaxSessionLifetime time.Duration

	BackgroundDiscoveryEnabled bool
	DiscoveryInterval          time.Duration
	BootstrapEndpoints         []string

	PersistencePath  string
	SnapshotInterval time.Duration

	ShutdownGrace time.Duration

	ServerSecret string

	AdminListenAddr string

	AdaptiveTimeouts AdaptiveTimeoutsConfig
}

// AdaptiveTimeoutsConfig tunes the round-trip-sample-based timeout
// estimator (internal/latency) that cmd/formrelayd uses to size the relay
// service's bootstrap discovery query timeout. Disabling it falls back to the estimator's fixed default timeout.
type AdaptiveTimeoutsConfig struct {
	Enabled    bool
	Multiplier float64
	MinSamples int
	MaxSamples int
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// SessionManagerConfig holds the client Session Manager's runtime
// configuration.
type SessionManagerConfig struct {
	MaxAttempts       int
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration

	PreferredRegion string
	HasRegion       bool

	CachePath string
}

// LoadRelayConfig reads RelayConfig from the environment, optionally
// preloaded from a .env file via LoadDotEnv.
func LoadRelayConfig() RelayConfig {
	region := getEnv("RELAY_REGION", "")
	return RelayConfig{
		ListenAddr:   getEnv("RELAY_LISTEN_ADDR", "0.0.0.0:4242"),
		Region:       region,
		HasRegion:    region != "",
		Capabilities: uint32(getEnvInt("RELAY_CAPABILITIES", 1)),

		MaxTotalSessions:            getEnvInt("RELAY_MAX_TOTAL_SESSIONS", 100000),
		MaxSessionsPerClient:        getEnvInt("RELAY_MAX_SESSIONS_PER_CLIENT", 64),
		MaxConnectionRate:           getEnvFloat("RELAY_MAX_CONNECTION_RATE", 1000),
		MaxConnectionRateBurst:      getEnvInt("RELAY_MAX_CONNECTION_RATE_BURST", 200),
		MaxConnectionRatePerIP:      getEnvFloat("RELAY_MAX_CONNECTION_RATE_PER_IP", 20),
		MaxConnectionRatePerIPBurst: getEnvInt("RELAY_MAX_CONNECTION_RATE_PER_IP_BURST", 10),
		MaxBandwidthPerSession:      getEnvFloat("RELAY_MAX_BANDWIDTH_PER_SESSION", 0),

		SessionTTL:         getEnvDuration("RELAY_SESSION_TTL", time.Hour),
		IdleThreshold:      getEnvDuration("RELAY_IDLE_THRESHOLD", 120*time.Second),
		SweepInterval:      getEnvDuration("RELAY_SWEEP_INTERVAL", 10*time.Second),
		HeartbeatInterval:  getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		TSWindow:           getEnvDuration("RELAY_TS_WINDOW", 30*time.Second),
		MaxSessionLifetime: getEnvDuration("RELAY_MAX_SESSION_LIFETIME", 24*time.Hour),

		BackgroundDiscoveryEnabled: getEnvBool("RELAY_DISCOVERY_ENABLED", true),
		DiscoveryInterval:          getEnvDuration("RELAY_DISCOVERY_INTERVAL", 5*time.Minute),
		BootstrapEndpoints:         getEnvSlice("RELAY_BOOTSTRAP_ENDPOINTS", nil),

		PersistencePath:  getEnv("RELAY_PERSISTENCE_PATH", ""),
		SnapshotInterval: getEnvDuration("RELAY_SNAPSHOT_INTERVAL", time.Minute),

		ShutdownGrace: getEnvDuration("RELAY_SHUTDOWN_GRACE", 5*time.Second),

		ServerSecret: getEnv("RELAY_SERVER_SECRET", ""),

		AdminListenAddr: getEnv("RELAY_ADMIN_LISTEN_ADDR", "127.0.0.1:9191"),

		AdaptiveTimeouts: AdaptiveTimeoutsConfig{
			Enabled:    getEnvBool("RELAY_ADAPTIVE_TIMEOUTS_ENABLED", true),
			Multiplier: getEnvFloat("RELAY_ADAPTIVE_TIMEOUTS_MULTIPLIER", 1.5),
			MinSamples: getEnvInt("RELAY_ADAPTIVE_TIMEOUTS_MIN_SAMPLES", 5),
			MaxSamples: getEnvInt("RELAY_ADAPTIVE_TIMEOUTS_MAX_SAMPLES", 32),
			MinTimeout: getEnvDuration("RELAY_ADAPTIVE_TIMEOUTS_MIN_TIMEOUT", time.Second),
			MaxTimeout: getEnvDuration("RELAY_ADAPTIVE_TIMEOUTS_MAX_TIMEOUT", 10*time.Second),
		},
	}
}

// LoadSessionManagerConfig reads SessionManagerConfig from the environment.
func LoadSessionManagerConfig() SessionManagerConfig {
	region := getEnv("RELAY_CLIENT_PREFERRED_REGION", "")
	return SessionManagerConfig{
		MaxAttempts:       getEnvInt("RELAY_CLIENT_MAX_ATTEMPTS", 3),
		HeartbeatInterval: getEnvDuration("RELAY_CLIENT_HEARTBEAT_INTERVAL", 30*time.Second),
		IdleThreshold:     getEnvDuration("RELAY_CLIENT_IDLE_THRESHOLD", 120*time.Second),
		PreferredRegion:   region,
		HasRegion:         region != "",
		CachePath:         getEnv("RELAY_CLIENT_CACHE_PATH", "./relay-cache.db"),
	}
}

// LoadDotEnv loads a .env file from the working directory, if present. A
// missing file is not an error: the process is expected to run from real
// environment variables in production.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
