package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formthefog/form-net-relay/internal/wire"
)

func newTestRegistry(now time.Time) *Registry {
	return New(Config{Now: func() time.Time { return now }}, nil)
}

func goodInfo(id byte) wire.RelayNodeInfo {
	return wire.RelayNodeInfo{
		PubKey:            wire.PubKey{id},
		Endpoints:         []string{"10.0.0.1:9000"},
		Capabilities:      wire.CapIPv4,
		Load:              10,
		HasLatency:        true,
		LatencyMs:         20,
		Reliability:       95,
		HasLastResultTime: true,
		LastResultTimeMs:  1,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(time.Now())
	r.RegisterRelay(goodInfo(1))

	e, ok := r.Get(wire.PubKey{1})
	require.True(t, ok)
	require.Equal(t, uint8(10), e.Info.Load)
}

func TestRegisterRelayMergesRegionOnlyWhenSet(t *testing.T) {
	r := newTestRegistry(time.Now())
	info := goodInfo(1)
	info.HasRegion = true
	info.Region = "us-east"
	r.RegisterRelay(info)

	update := goodInfo(1)
	update.Load = 50 // no region set on this update
	r.RegisterRelay(update)

	e, _ := r.Get(wire.PubKey{1})
	require.True(t, e.Info.HasRegion)
	require.Equal(t, "us-east", e.Info.Region)
	require.Equal(t, uint8(50), e.Info.Load)
}

func TestRegisterRelayKeepsNewerReliabilitySample(t *testing.T) {
	r := newTestRegistry(time.Now())
	info := goodInfo(1)
	info.LastResultTimeMs = 100
	info.Reliability = 80
	r.RegisterRelay(info)

	stale := goodInfo(1)
	stale.LastResultTimeMs = 50
	stale.Reliability = 10
	r.RegisterRelay(stale)

	e, _ := r.Get(wire.PubKey{1})
	require.Equal(t, uint8(80), e.Info.Reliability)
}

func TestSelectBestRelayExcludesOverloadedAndUnreliable(t *testing.T) {
	r := newTestRegistry(time.Now())

	overloaded := goodInfo(1)
	overloaded.Load = 99
	r.RegisterRelay(overloaded)

	unreliable := goodInfo(2)
	unreliable.Reliability = 5
	r.RegisterRelay(unreliable)

	winner := goodInfo(3)
	r.RegisterRelay(winner)

	best, ok := r.SelectBestRelay(wire.PubKey{}, wire.CapIPv4, "", false)
	require.True(t, ok)
	require.Equal(t, wire.PubKey{3}, best.Info.PubKey)
}

func TestSelectBestRelayRequiresCapabilitySuperset(t *testing.T) {
	r := newTestRegistry(time.Now())
	r.RegisterRelay(goodInfo(1))

	_, ok := r.SelectBestRelay(wire.PubKey{}, wire.CapIPv6, "", false)
	require.False(t, ok)
}

func TestSelectBestRelayNoneQualify(t *testing.T) {
	r := newTestRegistry(time.Now())
	_, ok := r.SelectBestRelay(wire.PubKey{}, 0, "", false)
	require.False(t, ok)
}

func TestFindRelaysOrdersByScoreDescending(t *testing.T) {
	r := newTestRegistry(time.Now())

	low := goodInfo(1)
	low.Reliability = 10
	r.RegisterRelay(low)

	high := goodInfo(2)
	high.Reliability = 99
	r.RegisterRelay(high)

	found := r.FindRelays("", false, wire.CapIPv4, 10)
	require.Len(t, found, 2)
	require.Equal(t, wire.PubKey{2}, found[0].Info.PubKey)
}

func TestPruneRemovesStaleEntriesOnly(t *testing.T) {
	start := time.Now()
	clock := start
	r := New(Config{Now: func() time.Time { return clock }, StaleTTL: time.Minute, PruneWindow: 30 * time.Second}, nil)

	r.RegisterRelay(goodInfo(1))
	clock = start.Add(100 * time.Second)
	r.RecordSuccess(wire.PubKey{1})
	r.RegisterRelay(goodInfo(2))

	removed := r.Prune(start.Add(2 * time.Minute))
	require.Equal(t, 1, removed)

	_, ok1 := r.Get(wire.PubKey{1})
	require.True(t, ok1, "recently successful entry should survive prune")
	_, ok2 := r.Get(wire.PubKey{2})
	require.False(t, ok2)
}

type fakeTransport struct {
	responses map[string]*wire.DiscoveryResponse
	errs      map[string]error
	calls     int
}

func (f *fakeTransport) Query(_ context.Context, endpoint string, _ wire.DiscoveryQuery) (*wire.DiscoveryResponse, error) {
	f.calls++
	if err, ok := f.errs[endpoint]; ok {
		return nil, err
	}
	return f.responses[endpoint], nil
}

func TestRefreshFromBootstrapMergesAndCountsNewRelays(t *testing.T) {
	r := newTestRegistry(time.Now())
	transport := &fakeTransport{
		responses: map[string]*wire.DiscoveryResponse{
			"a:1": {Entries: []wire.RelayNodeInfo{goodInfo(1), goodInfo(2)}},
			"b:1": {Entries: []wire.RelayNodeInfo{goodInfo(2)}},
		},
	}
	bs := NewBootstrapper(r, transport, time.Second)

	n, err := bs.RefreshFromBootstrap(context.Background(), []string{"a:1", "b:1"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, r.Len())
}

var errBootstrapTestFailure = errors.New("bootstrap endpoint unreachable")

func TestRefreshFromBootstrapSkipsFailingEndpoints(t *testing.T) {
	r := newTestRegistry(time.Now())
	transport := &fakeTransport{
		responses: map[string]*wire.DiscoveryResponse{
			"good:1": {Entries: []wire.RelayNodeInfo{goodInfo(1)}},
		},
		errs: map[string]error{
			"bad:1": errBootstrapTestFailure,
		},
	}
	bs := NewBootstrapper(r, transport, time.Second)

	n, err := bs.RefreshFromBootstrap(context.Background(), []string{"good:1", "bad:1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
