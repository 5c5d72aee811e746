package latency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/wire"
)

func TestRecommendFallsBackBelowMinSamples(t *testing.T) {
	tr := New(Config{MinSamples: 5, Default: 777 * time.Millisecond, Min: time.Millisecond})
	tr.Observe(50 * time.Millisecond)
	tr.Observe(60 * time.Millisecond)

	require.Equal(t, 777*time.Millisecond, tr.Recommend())
}

func TestRecommendUsesMeanPlusMultiplierStdev(t *testing.T) {
	tr := New(Config{MinSamples: 3, Multiplier: 2, Min: time.Millisecond, Max: time.Hour})
	for _, d := range []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond} {
		tr.Observe(d)
	}
	// Zero variance: recommendation should equal the mean exactly.
	require.Equal(t, 100*time.Millisecond, tr.Recommend())
}

func TestRecommendClampsToBounds(t *testing.T) {
	tr := New(Config{MinSamples: 1, Min: 500 * time.Millisecond, Max: time.Second})
	tr.Observe(time.Microsecond)
	require.Equal(t, 500*time.Millisecond, tr.Recommend())

	tr2 := New(Config{MinSamples: 1, Min: time.Millisecond, Max: 50 * time.Millisecond})
	tr2.Observe(10 * time.Second)
	require.Equal(t, 50*time.Millisecond, tr2.Recommend())
}

func TestWindowIsBounded(t *testing.T) {
	tr := New(Config{Window: 4, MinSamples: 1})
	for i := 0; i < 10; i++ {
		tr.Observe(time.Duration(i) * time.Millisecond)
	}
	require.Equal(t, 4, tr.SampleCount())
}

func TestRegistryTracksPerRelay(t *testing.T) {
	reg := NewRegistry(2, Config{MinSamples: 1, Min: time.Millisecond, Max: time.Hour})
	a := wire.PubKey{1}
	b := wire.PubKey{2}

	reg.Observe(a, 10*time.Millisecond)
	reg.Observe(b, 20*time.Millisecond)

	require.Equal(t, 2, reg.Len())
	require.NotEqual(t, reg.Recommend(a), reg.Recommend(b))
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	reg := NewRegistry(1, Config{MinSamples: 1})
	a := wire.PubKey{1}
	b := wire.PubKey{2}

	reg.Tracker(a)
	reg.Tracker(b) // evicts a

	require.Equal(t, 1, reg.Len())
}
