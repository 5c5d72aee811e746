package relayserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/wire"
)

func TestLimiterAllowRateEnforcesGlobalBurst(t *testing.T) {
	l := NewLimiter(ResourceLimits{MaxConnectionRate: 1, MaxConnectionRateBurst: 2})

	require.True(t, l.AllowRate("10.0.0.1"))
	require.True(t, l.AllowRate("10.0.0.1"))
	require.False(t, l.AllowRate("10.0.0.1"), "burst of 2 must be exhausted on the third call")
}

func TestLimiterAllowRatePerIPIsIndependent(t *testing.T) {
	l := NewLimiter(ResourceLimits{MaxConnectionRatePerIP: 1, MaxConnectionRatePerIPBurst: 1})

	require.True(t, l.AllowRate("10.0.0.1"))
	require.False(t, l.AllowRate("10.0.0.1"))
	require.True(t, l.AllowRate("10.0.0.2"), "a distinct IP must have its own bucket")
}

func TestLimiterAllowRateDisabledCapAlwaysAllows(t *testing.T) {
	l := NewLimiter(ResourceLimits{})
	for i := 0; i < 10; i++ {
		require.True(t, l.AllowRate("10.0.0.1"))
	}
}

func TestLimiterAllowSessionCountEnforcesTotalAndPerClientCaps(t *testing.T) {
	table := NewSessionTable(4)
	now := time.Now()
	initiator := wire.PubKey{1}
	table.Insert(&Session{ID: 1, Initiator: initiator, Target: wire.PubKey{2}, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	l := NewLimiter(ResourceLimits{MaxTotalSessions: 10, MaxSessionsPerClient: 1})
	require.False(t, l.AllowSessionCount(table, initiator), "per-client cap of 1 already met")
	require.True(t, l.AllowSessionCount(table, wire.PubKey{9}))

	l2 := NewLimiter(ResourceLimits{MaxTotalSessions: 1})
	require.False(t, l2.AllowSessionCount(table, wire.PubKey{9}), "total cap of 1 already met")
}

func TestLimiterMaxPayloadDefaultsToMTUMinusHeader(t *testing.T) {
	l := NewLimiter(ResourceLimits{})
	require.Equal(t, wire.DefaultMTU-49, l.MaxPayload(wire.DefaultMTU))
}

func TestLimiterMaxPayloadHonorsExplicitOverride(t *testing.T) {
	l := NewLimiter(ResourceLimits{MaxPayloadBytes: 512})
	require.Equal(t, 512, l.MaxPayload(wire.DefaultMTU))
}

func TestBandwidthThrottleNilReceiverAlwaysAllows(t *testing.T) {
	var b *BandwidthThrottle
	require.True(t, b.Allow(1_000_000))
}

func TestBandwidthThrottleZeroCapDisablesThrottle(t *testing.T) {
	require.Nil(t, NewBandwidthThrottle(0))
	require.Nil(t, NewBandwidthThrottle(-1))
}

func TestBandwidthThrottleEnforcesCap(t *testing.T) {
	b := NewBandwidthThrottle(100)
	require.True(t, b.Allow(50))
	require.False(t, b.Allow(10_000), "a single burst far exceeding the bucket must be rejected")
}
