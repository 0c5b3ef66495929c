// Package ratelimit provides the rate-limit capabilities a route can carry
package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"gatewind/internal/types"
)

// Rate limit types
const (
	TypeTokenBucket = "token_bucket"
	TypeRedis       = "redis"
)

// Config describes a route's rate-limit capability
type Config struct {
	Type string `json:"type" yaml:"type"`

	// Requests allowed per Period, with Burst extra for the token bucket
	Requests int            `json:"requests" yaml:"requests"`
	Period   types.Duration `json:"period" yaml:"period"`
	Burst    int            `json:"burst,omitempty" yaml:"burst,omitempty"`

	// Key is "ip" or "header:<Name>"; requests without the header fall
	// back to the client ip
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// Redis quota store
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	FailOpen  bool   `json:"fail_open,omitempty" yaml:"fail_open,omitempty"`
}

// New builds the limiter described by cfg
func New(cfg Config) (types.RateLimiter, error) {
	if cfg.Requests <= 0 {
		return nil, types.ValidationError{Field: "ratelimit.requests", Message: "must be positive"}
	}
	if cfg.Period <= 0 {
		cfg.Period = types.Duration(time.Second)
	}
	if err := validateKey(cfg.Key); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case TypeTokenBucket, "":
		return NewLocal(cfg), nil
	case TypeRedis:
		if cfg.RedisAddr == "" {
			return nil, types.ValidationError{Field: "ratelimit.redis_addr", Message: "redis_addr is required"}
		}
		if cfg.Period.Std() < time.Millisecond {
			return nil, types.ValidationError{Field: "ratelimit.period", Message: "redis windows must be at least 1ms"}
		}
		return NewRedis(sharedClient(cfg.RedisAddr), cfg), nil
	default:
		return nil, types.ValidationError{Field: "ratelimit.type", Message: fmt.Sprintf("unknown rate limit type %q", cfg.Type)}
	}
}

func validateKey(key string) error {
	if key == "" || key == "ip" {
		return nil
	}
	if name, ok := strings.CutPrefix(key, "header:"); ok && name != "" {
		return nil
	}
	return types.ValidationError{Field: "ratelimit.key", Message: fmt.Sprintf("unsupported key %q", key)}
}

// keyFor derives the bucket key of a request
func keyFor(source string, headers http.Header, ip string) string {
	if name, ok := strings.CutPrefix(source, "header:"); ok {
		if v := headers.Get(name); v != "" {
			return "h:" + v
		}
	}
	return "ip:" + ip
}
