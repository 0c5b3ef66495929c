package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"gatewind/internal/circuit"
	"gatewind/internal/metrics"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

// TCPProxy handles L4 proxying for Tcp services. Every connection is sent
// to a target picked by the first route of the service.
type TCPProxy struct {
	port        int
	state       *state.Handler
	detector    *circuit.AnomalyDetector
	metrics     *metrics.Collector
	logger      types.Logger
	DialTimeout time.Duration
	IdleTimeout time.Duration
}

// NewTCP creates the L4 pipeline for port
func NewTCP(port int, opts Options) *TCPProxy {
	logger := opts.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &TCPProxy{
		port:        port,
		state:       opts.State,
		detector:    opts.Detector,
		metrics:     opts.Metrics,
		logger:      logger.With("port", port),
		DialTimeout: 5 * time.Second,
	}
}

// Handle proxies one accepted connection until either side closes
func (p *TCPProxy) Handle(ctx context.Context, conn net.Conn) {
	if p.metrics != nil {
		p.metrics.IncrementActiveConnections()
		defer p.metrics.DecrementActiveConnections()
	}
	defer func() { _ = conn.Close() }()

	start := time.Now()
	svc, ok := p.state.Service(p.port)
	if !ok || len(svc.ServiceConfig.Routes) == 0 {
		p.logger.Warn("tcp proxy: no service bound")
		return
	}
	route := svc.ServiceConfig.Routes[0]

	clientIP := remoteIP(conn.RemoteAddr())
	allowed, err := route.IsAllowed(ctx, clientIP, http.Header{})
	if err != nil || !allowed {
		p.logger.Debug("tcp proxy: connection refused", "client", clientIP, "error", err)
		return
	}

	target, err := route.RouteCluster.GetRoute(http.Header{})
	if err != nil {
		p.logger.Error("tcp proxy: no alive upstream", "route_id", route.RouteID, "error", err)
		return
	}

	done := func(bool) {}
	if p.detector != nil {
		done = p.detector.Begin(route, target)
	}

	addr := target.Endpoint
	if u, err := target.UpstreamURL(); err == nil {
		addr = u.Host
	}
	dialer := net.Dialer{Timeout: p.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.logger.Error("tcp proxy: dial upstream", "upstream", addr, "error", err)
		done(true)
		return
	}
	defer func() { _ = upstream.Close() }()
	done(false)

	var clientConn, upstreamConn net.Conn = conn, upstream
	if p.IdleTimeout > 0 {
		clientConn = &idleTimeoutConn{Conn: conn, timeout: p.IdleTimeout}
		upstreamConn = &idleTimeoutConn{Conn: upstream, timeout: p.IdleTimeout}
	}

	// Closing both ends unblocks the copies when the listener stops
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
		_ = upstream.Close()
	})
	defer stop()

	copied := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(upstreamConn, clientConn)
		if c, ok := upstream.(*net.TCPConn); ok {
			_ = c.CloseWrite()
		}
		copied <- n
	}()

	received, err := io.Copy(clientConn, upstreamConn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Debug("tcp proxy: copy from upstream", "error", err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		_ = c.CloseWrite()
	}
	sent := <-copied

	p.logger.Debug("tcp connection closed",
		"route_id", route.RouteID,
		"upstream", addr,
		"sent", sent,
		"received", received,
		"duration", time.Since(start),
	)
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
