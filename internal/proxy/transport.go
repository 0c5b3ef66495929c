package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"gatewind/internal/types"
)

// DefaultTransport returns a configured default transport
func DefaultTransport() http.RoundTripper {
	return NewTransport(types.TransportConfig{})
}

// NewTransport creates the pooled upstream transport shared by every route
func NewTransport(config types.TransportConfig) *http.Transport {
	dialTimeout := orDefault(config.DialTimeout, 30*time.Second)
	keepAlive := orDefault(config.KeepAlive, 30*time.Second)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          orDefaultInt(config.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   orDefaultInt(config.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       orDefault(config.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: orDefault(config.ResponseHeaderTimeout, 30*time.Second),
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	// ConfigureTransport modifies the transport to support HTTP/2.
	// If it returns an error, the transport will still work for HTTP/1.1
	_ = http2.ConfigureTransport(transport)

	return transport
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
