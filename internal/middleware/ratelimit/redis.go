package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts a request in the current window.
// Returns the count after increment.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

var (
	clientsMu sync.Mutex
	clients   = make(map[string]*redis.Client)
)

// sharedClient returns the client for addr. Limiters of every route and
// every recompile of a route share one connection pool per address.
func sharedClient(addr string) *redis.Client {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	client, ok := clients[addr]
	if !ok {
		client = redis.NewClient(&redis.Options{Addr: addr})
		clients[addr] = client
	}
	return client
}

// Redis enforces a fixed window quota shared by every gateway process
// pointing at the same Redis.
type Redis struct {
	client   redis.Scripter
	prefix   string
	limit    int64
	window   time.Duration
	key      string
	failOpen bool
	now      func() time.Time
}

// NewRedis creates a Redis backed limiter
func NewRedis(client redis.Scripter, cfg Config) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gatewind:rl:"
	}
	window := cfg.Period.Std()
	switch {
	case window <= 0:
		window = time.Second
	case window < time.Millisecond:
		window = time.Millisecond
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		limit:    int64(cfg.Requests + cfg.Burst),
		window:   window,
		key:      cfg.Key,
		failOpen: cfg.FailOpen,
		now:      time.Now,
	}
}

// ShouldLimit counts the request against the current window
func (r *Redis) ShouldLimit(ctx context.Context, headers http.Header, ip string) (bool, error) {
	windowMs := r.window.Milliseconds()
	bucket := r.now().UnixMilli() / windowMs
	key := r.prefix + keyFor(r.key, headers, ip) + ":" + strconv.FormatInt(bucket, 10)

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	count, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int64()
	if err != nil {
		if r.failOpen {
			return false, nil
		}
		return false, fmt.Errorf("rate limit quota check: %w", err)
	}
	return count > r.limit, nil
}
