package relayserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ResourceLimits configures admission control. Zero values
// disable the corresponding cap except where noted.
type ResourceLimits struct {
	MaxTotalSessions      int
	MaxSessionsPerClient  int
	MaxConnectionRate     float64 // global, per second
	MaxConnectionRateBurst int
	MaxConnectionRatePerIP float64 // per second
	MaxConnectionRatePerIPBurst int
	MaxPayloadBytes       int  // 0 means MTU - header, computed by the service
	MaxBandwidthPerSession float64 // bytes/sec; 0 disables per-session throttling
}

// DefaultResourceLimits gives every cap a generous operational default.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxTotalSessions:            100000,
		MaxSessionsPerClient:        64,
		MaxConnectionRate:           1000,
		MaxConnectionRateBurst:      200,
		MaxConnectionRatePerIP:      20,
		MaxConnectionRatePerIPBurst: 10,
	}
}

// Limiter enforces ResourceLimits using token buckets (golang.org/x/time/rate)
// for connection-rate caps and session-count checks against a SessionTable.
// No I/O or long work happens under its lock: the per-IP limiter
// map grows monotonically within a process lifetime, matching the rate
// limiter pattern already used for per-endpoint network rate limiting
// elsewhere in this codebase's ambient stack.
type Limiter struct {
	limits ResourceLimits

	global *rate.Limiter

	mu     sync.Mutex
	perIP  map[string]*rate.Limiter
}

// NewLimiter constructs a Limiter from limits.
func NewLimiter(limits ResourceLimits) *Limiter {
	l := &Limiter{limits: limits, perIP: make(map[string]*rate.Limiter)}
	if limits.MaxConnectionRate > 0 {
		burst := limits.MaxConnectionRateBurst
		if burst <= 0 {
			burst = int(limits.MaxConnectionRate)
		}
		l.global = rate.NewLimiter(rate.Limit(limits.MaxConnectionRate), burst)
	}
	return l
}

func (l *Limiter) limiterForIP(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.perIP[ip]; ok {
		return lim
	}
	burst := l.limits.MaxConnectionRatePerIPBurst
	if burst <= 0 {
		burst = int(l.limits.MaxConnectionRatePerIP)
	}
	lim := rate.NewLimiter(rate.Limit(l.limits.MaxConnectionRatePerIP), burst)
	l.perIP[ip] = lim
	return lim
}

// AllowRate reports whether a new connection attempt from ip passes both
// the global and per-IP token buckets. A disabled cap (zero rate) always
// allows.
func (l *Limiter) AllowRate(ip string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.limits.MaxConnectionRatePerIP > 0 && !l.limiterForIP(ip).Allow() {
		return false
	}
	return true
}

// AllowSessionCount reports whether a new session for initiator is within
// both the total and per-client caps.
func (l *Limiter) AllowSessionCount(table *SessionTable, initiator [32]byte) bool {
	if l.limits.MaxTotalSessions > 0 && table.Len() >= l.limits.MaxTotalSessions {
		return false
	}
	if l.limits.MaxSessionsPerClient > 0 && table.CountByInitiator(initiator) >= l.limits.MaxSessionsPerClient {
		return false
	}
	return true
}

// MaxPayload returns the configured payload cap, defaulting to mtu minus
// the RelayPacket header (32+8+1+8 = 49 bytes) when unset.
func (l *Limiter) MaxPayload(mtu int) int {
	if l.limits.MaxPayloadBytes > 0 {
		return l.limits.MaxPayloadBytes
	}
	const relayPacketHeader = 49
	return mtu - relayPacketHeader
}

// BandwidthThrottle is an optional per-session leaky bucket. A nil receiver
// (no configured cap) always allows.
type BandwidthThrottle struct {
	limiter *rate.Limiter
}

// NewBandwidthThrottle returns nil if bytesPerSec <= 0, meaning "no cap".
func NewBandwidthThrottle(bytesPerSec float64) *BandwidthThrottle {
	if bytesPerSec <= 0 {
		return nil
	}
	return &BandwidthThrottle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))}
}

// Allow reports whether n bytes may be forwarded now.
func (b *BandwidthThrottle) Allow(n int) bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(time.Now(), n)
}
