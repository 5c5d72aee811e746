package relaycache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/wire"
)

func TestMemoryCacheNeedsRelayAfterThreshold(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	peer := wire.PubKey{1}

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.NoError(t, c.RecordFailure(ctx, peer))
		needs, err := c.NeedsRelay(ctx, peer)
		require.NoError(t, err)
		require.False(t, needs)
	}

	require.NoError(t, c.RecordFailure(ctx, peer))
	needs, err := c.NeedsRelay(ctx, peer)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestMemoryCacheRelaySuccessClearsFailures(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	peer := wire.PubKey{1}
	relay := wire.PubKey{2}

	for i := 0; i < DefaultFailureThreshold; i++ {
		require.NoError(t, c.RecordFailure(ctx, peer))
	}
	require.NoError(t, c.RecordRelaySuccess(ctx, peer, "10.0.0.1:9000", relay, 7))

	needs, err := c.NeedsRelay(ctx, peer)
	require.NoError(t, err)
	require.False(t, needs)

	hint, ok, err := c.PreferredRelay(ctx, peer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), hint.SessionID)
	require.Equal(t, relay, hint.RelayKey)
}

func TestMemoryCacheFailureWindowResets(t *testing.T) {
	c := NewMemoryCache()
	start := time.Now()
	c.now = func() time.Time { return start }
	ctx := context.Background()
	peer := wire.PubKey{1}

	require.NoError(t, c.RecordFailure(ctx, peer))
	require.NoError(t, c.RecordFailure(ctx, peer))

	c.now = func() time.Time { return start.Add(c.window + time.Minute) }
	require.NoError(t, c.RecordFailure(ctx, peer))

	needs, err := c.NeedsRelay(ctx, peer)
	require.NoError(t, err)
	require.False(t, needs, "streak should have reset after the window elapsed")
}
