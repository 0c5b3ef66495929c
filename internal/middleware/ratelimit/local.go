package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused bucket is kept
const idleTTL = 5 * time.Minute

// limiterEntry wraps a rate limiter with last access time
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Local is an in-process token bucket per key
type Local struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	key       string
	lastSweep time.Time
	now       func() time.Time
}

// NewLocal creates a token bucket limiter
func NewLocal(cfg Config) *Local {
	period := cfg.Period.Std()
	if period <= 0 {
		period = time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}
	return &Local{
		limiters:  make(map[string]*limiterEntry),
		limit:     rate.Limit(float64(cfg.Requests) / period.Seconds()),
		burst:     burst,
		key:       cfg.Key,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// ShouldLimit consumes one token for the request's key
func (l *Local) ShouldLimit(_ context.Context, headers http.Header, ip string) (bool, error) {
	key := keyFor(l.key, headers, ip)
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	if now.Sub(l.lastSweep) > idleTTL {
		l.sweep(now)
	}
	l.mu.Unlock()

	return !entry.limiter.AllowN(now, 1), nil
}

// sweep drops idle buckets; callers hold l.mu
func (l *Local) sweep(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > idleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}
