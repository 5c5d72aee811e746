// Package relaymetrics exposes relay runtime health as Prometheus metrics
// registered at package init.
package relaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Number of sessions currently live in the relay session table.",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_created_total",
		Help: "Total sessions successfully created.",
	})

	SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_expired_total",
		Help: "Total sessions removed by the sweeper (TTL or idle).",
	})

	PacketsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_packets_forwarded_total",
		Help: "Total RelayPacket datagrams forwarded to a destination.",
	})

	BytesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_forwarded_total",
		Help: "Total payload bytes forwarded.",
	})

	ProtocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Total datagrams rejected by the wire codec.",
	})

	UnauthDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_unauth_drops_total",
		Help: "Total packets dropped for failing session/address/auth_token checks.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total ConnectionRequests rejected by a rate limiter.",
	})

	UndeliverableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_undeliverable_total",
		Help: "Total packets dropped because the destination address was not yet learned.",
	})

	PayloadTooLargeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_payload_too_large_total",
		Help: "Total RelayPacket datagrams dropped for exceeding the configured payload cap.",
	})

	SessionsByRegion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_sessions_by_region",
		Help: "Active sessions whose initiator's registry entry carries a region tag.",
	}, []string{"region"})

	RelaysByCapability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_known_relays_by_capability",
		Help: "Known registry entries advertising a given capability bit.",
	}, []string{"capability"})
)
