// Package proxy implements the per-port request pipeline
package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"gatewind/internal/balancer"
	"gatewind/internal/circuit"
	"gatewind/internal/metrics"
	"gatewind/internal/middleware/ipfilter"
	"gatewind/internal/router"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

// BufferPool adapts sync.Pool to httputil.BufferPool interface
type BufferPool struct {
	pool *sync.Pool
}

func (bp *BufferPool) Get() []byte {
	return bp.pool.Get().([]byte)
}

func (bp *BufferPool) Put(b []byte) {
	bp.pool.Put(b)
}

func newBufferPool() *BufferPool {
	return &BufferPool{
		pool: &sync.Pool{
			New: func() any {
				return make([]byte, 32*1024) // 32KB buffers
			},
		},
	}
}

// Options for creating a new proxy
type Options struct {
	State     *state.Handler
	Transport http.RoundTripper
	Detector  *circuit.AnomalyDetector
	Metrics   *metrics.Collector
	Logger    types.Logger
	// AccessLog receives one line per request when set
	AccessLog types.Logger
}

// Proxy serves the requests of one listen port. Every request resolves the
// service from the shared store, so a route update is visible to workers
// that were started before it.
type Proxy struct {
	port       int
	state      *state.Handler
	transport  http.RoundTripper
	detector   *circuit.AnomalyDetector
	metrics    *metrics.Collector
	logger     types.Logger
	accessLog  types.Logger
	bufferPool *BufferPool
}

// New creates the pipeline for port
func New(port int, opts Options) *Proxy {
	p := &Proxy{
		port:       port,
		state:      opts.State,
		transport:  opts.Transport,
		detector:   opts.Detector,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		accessLog:  opts.AccessLog,
		bufferPool: newBufferPool(),
	}
	if p.transport == nil {
		p.transport = DefaultTransport()
	}
	if p.logger == nil {
		p.logger = types.NopLogger{}
	}
	p.logger = p.logger.With("port", port)
	return p
}

// ServeHTTP handles incoming requests
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	route, target := p.serve(rec, r)

	routeID := ""
	if route != nil {
		routeID = route.RouteID
	}
	duration := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRequest(p.port, routeID, rec.status, duration)
		if route != nil {
			p.metrics.SetAliveTargets(routeID, route.Liveness().CurrentLivenessCount)
		}
	}
	if p.accessLog != nil {
		upstream := ""
		if target != nil {
			upstream = target.Endpoint
		}
		p.accessLog.Info("access",
			"port", p.port,
			"method", r.Method,
			"path", r.URL.Path,
			"host", r.Host,
			"remote_addr", r.RemoteAddr,
			"route_id", routeID,
			"upstream", upstream,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", duration,
		)
	}
}

// serve runs the pipeline and reports what it resolved for logging
func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) (*router.Route, *balancer.BaseRoute) {
	svc, ok := p.state.Service(p.port)
	if !ok {
		p.handleError(w, r, types.ErrServiceNotFound, http.StatusNotFound)
		return nil, nil
	}

	headers := router.RequestHeaders(r)
	route, rewritten, err := router.Match(svc.ServiceConfig.Routes, r.URL.Path, headers)
	if err != nil {
		p.handleError(w, r, err, http.StatusInternalServerError)
		return nil, nil
	}
	if route == nil {
		p.handleError(w, r, types.ErrNoRouteMatched, http.StatusNotFound)
		return nil, nil
	}

	allowed, err := route.IsAllowed(r.Context(), ipfilter.ClientIP(r), headers)
	if err != nil {
		p.handleError(w, r, err, http.StatusInternalServerError)
		return route, nil
	}
	if !allowed {
		p.handleError(w, r, types.ErrForbidden, http.StatusForbidden)
		return route, nil
	}

	target, err := route.RouteCluster.GetRoute(headers)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNoAliveTargets) {
			status = http.StatusBadGateway
		}
		p.handleError(w, r, &types.ProxyError{Op: "select", Service: route.RouteID, Err: err}, status)
		return route, nil
	}

	if target.IsStatic() {
		serveStatic(w, r, target, rewritten)
		return route, target
	}

	p.forward(w, r, route, target, rewritten)
	return route, target
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, route *router.Route, target *balancer.BaseRoute, path string) {
	upstream, err := target.UpstreamURL()
	if err != nil {
		p.handleError(w, r, err, http.StatusBadGateway)
		return
	}

	done := func(bool) {}
	if p.detector != nil {
		done = p.detector.Begin(route, target)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = upstream.Scheme
			pr.Out.URL.Host = upstream.Host
			pr.Out.URL.Path = joinPath(upstream.Path, path)
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = upstream.Host
			pr.SetXForwarded()
			if ip := ipfilter.ClientIP(pr.In); ip != "" && pr.Out.Header.Get("X-Real-IP") == "" {
				pr.Out.Header.Set("X-Real-IP", ip)
			}
			for k, v := range route.RewriteHeaders {
				pr.Out.Header.Set(k, v)
			}
		},
		Transport:  p.transport,
		BufferPool: p.bufferPool,
		ModifyResponse: func(resp *http.Response) error {
			done(resp.StatusCode >= 500)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			done(true)
			p.handleError(w, r, &types.ProxyError{Op: "forward", Service: route.RouteID, Err: err}, http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

// handleError logs and writes a plain text error response
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	log := p.logger.Debug
	if statusCode >= 500 {
		log = p.logger.Error
	}
	log("proxy error",
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
	)
	http.Error(w, err.Error(), statusCode)
}

// statusRecorder captures the status and size written by the pipeline
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
