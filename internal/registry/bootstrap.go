package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// BootstrapTransport issues a DiscoveryQuery to a single bootstrap endpoint
// and returns its response. Implementations own the UDP round-trip (send,
// wait, decode); this package only orchestrates fan-out, breaking, and
// merging.
type BootstrapTransport interface {
	Query(ctx context.Context, endpoint string, q wire.DiscoveryQuery) (*wire.DiscoveryResponse, error)
}

// Bootstrapper drives refresh_from_bootstrap: one DiscoveryQuery
// per configured endpoint, merged into a Registry, with per-endpoint errors
// never aborting the overall refresh.
//
// Each endpoint gets its own gobreaker.CircuitBreaker so a single wedged
// bootstrap relay degrades to "skipped" instead of eating the full query
// timeout on every refresh cycle. Concurrent RefreshFromBootstrap calls for
// the same endpoint set are collapsed via singleflight so a burst of
// fallback attempts from many client sessions doesn't fan out into a burst
// of duplicate bootstrap traffic.
type Bootstrapper struct {
	registry  *Registry
	transport BootstrapTransport

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	sf singleflight.Group

	queryTimeout time.Duration
}

// NewBootstrapper returns a Bootstrapper that merges discovery results into
// registry via transport.
func NewBootstrapper(registry *Registry, transport BootstrapTransport, queryTimeout time.Duration) *Bootstrapper {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Bootstrapper{
		registry:     registry,
		transport:    transport,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		queryTimeout: queryTimeout,
	}
}

// SetQueryTimeout updates the per-query context timeout applied to every
// endpoint on the next RefreshFromBootstrap call. Safe for concurrent use.
func (b *Bootstrapper) SetQueryTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.queryTimeout = d
	b.mu.Unlock()
}

func (b *Bootstrapper) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bootstrap:" + endpoint,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
	b.breakers[endpoint] = cb
	return cb
}

// RefreshFromBootstrap issues one DiscoveryQuery to each endpoint, merges
// every successful response into the registry, and returns the count of
// previously-unknown relays learned this call.
func (b *Bootstrapper) RefreshFromBootstrap(ctx context.Context, endpoints []string) (int, error) {
	key := "refresh"
	for _, e := range endpoints {
		key += "|" + e
	}

	v, err, _ := b.sf.Do(key, func() (any, error) {
		return b.refresh(ctx, endpoints), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *Bootstrapper) refresh(ctx context.Context, endpoints []string) int {
	learned := 0
	q := wire.DiscoveryQuery{MaxResults: 256}

	for _, endpoint := range endpoints {
		cb := b.breakerFor(endpoint)
		b.mu.Lock()
		timeout := b.queryTimeout
		b.mu.Unlock()
		result, err := cb.Execute(func() (any, error) {
			qctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return b.transport.Query(qctx, endpoint, q)
		})
		if err != nil {
			// Per-endpoint failure never aborts the overall refresh.
			continue
		}
		resp := result.(*wire.DiscoveryResponse)
		for _, info := range resp.Entries {
			if _, known := b.registry.Get(info.PubKey); !known {
				learned++
			}
			b.registry.RegisterRelay(info)
		}
	}
	return learned
}
