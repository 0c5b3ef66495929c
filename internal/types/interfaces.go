// Package types defines the core interfaces shared by the gatewind packages
package types

import (
	"context"
	"net/http"
)

// Authenticator is the authentication capability a route can carry.
type Authenticator interface {
	// CheckAuthentication reports whether the request headers carry valid credentials
	CheckAuthentication(headers http.Header) (bool, error)
}

// RateLimiter is the rate-limit capability a route can carry. Implementations
// may block on a remote quota store, so they receive the request context.
type RateLimiter interface {
	// ShouldLimit reports whether the request must be rejected
	ShouldLimit(ctx context.Context, headers http.Header, ip string) (bool, error)
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

// NopLogger discards everything. Used where a logger is optional.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)  {}
func (NopLogger) Info(string, ...any)   {}
func (NopLogger) Warn(string, ...any)   {}
func (NopLogger) Error(string, ...any)  {}
func (l NopLogger) With(...any) Logger { return l }
