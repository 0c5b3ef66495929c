// Package server manages the per-port listener pools of the gateway
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gatewind/internal/balancer"
	"gatewind/internal/circuit"
	"gatewind/internal/metrics"
	"gatewind/internal/proxy"
	"gatewind/internal/router"
	"gatewind/internal/state"
	"gatewind/internal/storage"
	"gatewind/internal/types"
)

const defaultShutdownGrace = 30 * time.Second

// Options for creating a manager
type Options struct {
	State    *state.Handler
	Logger   types.Logger
	Listener types.ListenerConfig
	// BindHost is the interface every pool listens on, all when empty
	BindHost string

	Transport     http.RoundTripper
	Persister     *storage.Writer
	Detector      *circuit.AnomalyDetector
	HealthChecker *circuit.HealthChecker
	Metrics       *metrics.Collector
	AccessLog     types.Logger
}

// Manager starts and retires listener pools as the routing table changes.
// It is the only writer of the state handler; lifecycle operations run one
// at a time.
type Manager struct {
	mu sync.Mutex

	state     *state.Handler
	logger    types.Logger
	listener  types.ListenerConfig
	bindHost  string
	workers   int
	grace     time.Duration
	transport http.RoundTripper

	persister     *storage.Writer
	detector      *circuit.AnomalyDetector
	healthChecker *circuit.HealthChecker
	metrics       *metrics.Collector
	accessLog     types.Logger

	sockets map[int]*portSockets
	// filePorts are the ports the routing file declared at the last Sync
	filePorts map[int]struct{}
}

// NewManager creates a manager over opts.State
func NewManager(opts Options) *Manager {
	m := &Manager{
		state:         opts.State,
		logger:        opts.Logger,
		listener:      opts.Listener,
		bindHost:      opts.BindHost,
		workers:       opts.Listener.Workers,
		grace:         opts.Listener.ShutdownGrace,
		transport:     opts.Transport,
		persister:     opts.Persister,
		detector:      opts.Detector,
		healthChecker: opts.HealthChecker,
		metrics:       opts.Metrics,
		accessLog:     opts.AccessLog,
		sockets:       make(map[int]*portSockets),
		filePorts:     make(map[int]struct{}),
	}
	if m.logger == nil {
		m.logger = types.NopLogger{}
	}
	if m.workers <= 0 {
		m.workers = runtime.NumCPU()
	}
	if m.grace <= 0 {
		m.grace = defaultShutdownGrace
	}
	if m.transport == nil {
		m.transport = proxy.DefaultTransport()
	}
	return m
}

// AddService validates svc, binds it to its port and starts a new pool,
// retiring the pool that served the port before. It returns once the new
// pool is listening.
func (m *Manager) AddService(ctx context.Context, svc *state.ApiService) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.addService(ctx, svc)
	if err == nil {
		delete(m.filePorts, svc.ListenPort)
	}
	m.recordChange("add_service", err)
	return err
}

func (m *Manager) addService(ctx context.Context, svc *state.ApiService) error {
	if err := svc.Compile(m.logger); err != nil {
		return err
	}
	tlsConfig, err := buildTLSConfig(svc)
	if err != nil {
		return err
	}

	port := svc.ListenPort
	log := m.logger.With("port", port, "server_type", svc.ServiceConfig.ServerType)

	sockets, fresh := m.sockets[port], false
	if sockets == nil {
		sockets, err = bindPort(ctx, net.JoinHostPort(m.bindHost, strconv.Itoa(port)), m.socketCount(), log)
		if err != nil {
			log.Error("Failed to bind port", "error", err)
			return err
		}
		m.sockets[port], fresh = sockets, true
	}

	signals, err := m.startPool(svc, tlsConfig, sockets)
	if err != nil {
		if fresh {
			sockets.close()
			delete(m.sockets, port)
		}
		log.Error("Failed to start listener pool", "error", err)
		return err
	}

	// The new pool is accepting; the old one drains behind it
	previous := m.state.PutService(svc)
	m.halt(ctx, port, m.state.TakeStopSignals(port))
	m.state.AddStopSignals(port, signals...)

	if m.metrics != nil {
		m.metrics.SetListenerWorkers(port, len(signals))
	}
	if m.healthChecker != nil {
		m.healthChecker.Watch(svc)
	}
	m.afterChange()

	log.Info("Service started", "workers", len(signals), "routes", len(svc.ServiceConfig.Routes), "replaced", previous != nil)
	return nil
}

// RemoveService stops the pool of port and unbinds it
func (m *Manager) RemoveService(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.removeService(ctx, port)
	if err == nil {
		delete(m.filePorts, port)
	}
	m.recordChange("remove_service", err)
	return err
}

func (m *Manager) removeService(ctx context.Context, port int) error {
	if _, err := m.state.DeleteService(port); err != nil {
		return err
	}
	m.halt(ctx, port, m.state.TakeStopSignals(port))
	m.closeSockets(port)
	if m.metrics != nil {
		m.metrics.SetListenerWorkers(port, 0)
	}
	if m.healthChecker != nil {
		m.healthChecker.Unwatch(port)
	}
	m.afterChange()
	m.logger.Info("Service removed", "port", port)
	return nil
}

// UpdateRoute replaces the route with the same route_id in whichever
// service owns it. Running workers pick the new route up on their next
// request.
func (m *Manager) UpdateRoute(ctx context.Context, route *router.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.updateRoute(route)
	m.recordChange("update_route", err)
	return err
}

func (m *Manager) updateRoute(route *router.Route) error {
	if route.RouteID == "" {
		return types.ValidationError{Field: "route_id", Message: "route_id is required"}
	}
	svc, _, ok := m.state.FindRoute(route.RouteID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrRouteNotFound, route.RouteID)
	}
	if err := route.Compile(m.logger.With("port", svc.ListenPort)); err != nil {
		return err
	}
	if svc.ServiceConfig.ServerType.IsHTTP() && route.Matcher == nil {
		return types.ValidationError{Field: "matcher", Message: types.ErrMissingMatcher.Error()}
	}

	port, err := m.state.UpdateRoute(route)
	if err != nil {
		return fmt.Errorf("%w: %s", err, route.RouteID)
	}
	m.refreshPort(port)
	m.afterChange()
	m.logger.Info("Route updated", "port", port, "route_id", route.RouteID)
	return nil
}

// DeleteRoute removes the route with id from whichever service owns it
func (m *Manager) DeleteRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := m.state.DeleteRoute(id)
	if err != nil {
		err = fmt.Errorf("%w: %s", err, id)
	} else {
		if m.metrics != nil {
			m.metrics.DeleteRoute(id)
		}
		m.refreshPort(port)
		m.afterChange()
		m.logger.Info("Route deleted", "port", port, "route_id", id)
	}
	m.recordChange("delete_route", err)
	return err
}

// StartAll starts every service of cfg. Services that fail are logged and
// reported together; the others keep running.
func (m *Manager) StartAll(ctx context.Context, cfg *state.AppConfig) error {
	var errs types.MultiError
	for _, svc := range cfg.Services() {
		if err := m.AddService(ctx, svc); err != nil {
			errs.Add(fmt.Errorf("port %d: %w", svc.ListenPort, err))
		}
	}
	return errs.ErrorOrNil()
}

// Sync applies the routing file: every service of cfg is (re)started and
// ports the file declared before but no longer does are removed. Ports
// bound through the control plane are left alone.
func (m *Manager) Sync(ctx context.Context, cfg *state.AppConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs types.MultiError
	declared := make(map[int]struct{}, len(cfg.ApiServiceConfig))
	for _, svc := range cfg.Services() {
		declared[svc.ListenPort] = struct{}{}
		err := m.addService(ctx, svc)
		m.recordChange("add_service", err)
		if err != nil {
			errs.Add(fmt.Errorf("port %d: %w", svc.ListenPort, err))
		}
	}

	for port := range m.filePorts {
		if _, ok := declared[port]; ok {
			continue
		}
		if _, bound := m.state.Service(port); !bound {
			continue
		}
		err := m.removeService(ctx, port)
		m.recordChange("remove_service", err)
		if err != nil {
			errs.Add(fmt.Errorf("port %d: %w", port, err))
		}
	}
	m.filePorts = declared
	return errs.ErrorOrNil()
}

// Shutdown stops every pool and the health checks
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for _, port := range m.state.SignalPorts() {
		signals := m.state.TakeStopSignals(port)
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			m.halt(ctx, port, signals)
			if m.metrics != nil {
				m.metrics.SetListenerWorkers(port, 0)
			}
		}(port)
	}
	wg.Wait()
	for port := range m.sockets {
		m.closeSockets(port)
	}

	if m.healthChecker != nil {
		m.healthChecker.Stop()
	}
	if m.persister != nil {
		m.persister.Wait()
	}
	return ctx.Err()
}

// Workers returns how many workers serve port
func (m *Manager) Workers(port int) int {
	return m.state.StopSignalCount(port)
}

// startPool builds m.workers workers accepting from the port sockets and
// starts them
func (m *Manager) startPool(svc *state.ApiService, tlsConfig *tls.Config, sockets *portSockets) ([]*state.StopSignal, error) {
	port := svc.ListenPort
	log := m.logger.With("port", port)

	opts := proxy.Options{
		State:     m.state,
		Transport: m.transport,
		Detector:  m.detector,
		Metrics:   m.metrics,
		Logger:    m.logger,
		AccessLog: m.accessLog,
	}

	workers := make([]*worker, 0, m.workers)
	for id := 0; id < m.workers; id++ {
		w := &worker{
			id:     id,
			port:   port,
			ln:     sockets.listener(),
			signal: state.NewStopSignal(),
			grace:  m.grace,
			logger: log,
		}
		if svc.ServiceConfig.ServerType.IsHTTP() {
			srv, err := newHTTPServer(svc.ServiceConfig.ServerType, proxy.New(port, opts), tlsConfig, m.listener)
			if err != nil {
				return nil, err
			}
			w.srv = srv
		} else {
			w.tcp = proxy.NewTCP(port, opts)
			w.tcp.IdleTimeout = m.listener.IdleTimeout
		}
		workers = append(workers, w)
	}

	signals := make([]*state.StopSignal, 0, len(workers))
	for _, w := range workers {
		go w.run()
		signals = append(signals, w.signal)
	}
	return signals, nil
}

// socketCount is how many sockets a port binds. Without SO_REUSEPORT only
// one socket may own the port and every worker shares it.
func (m *Manager) socketCount() int {
	if !reusePortSupported {
		return 1
	}
	return m.workers
}

func (m *Manager) closeSockets(port int) {
	if sockets, ok := m.sockets[port]; ok {
		sockets.close()
		delete(m.sockets, port)
	}
}

// halt sends every signal and waits for the acknowledgements, bounded by
// the drain grace
func (m *Manager) halt(ctx context.Context, port int, signals []*state.StopSignal) {
	if len(signals) == 0 {
		return
	}
	for _, s := range signals {
		s.Send()
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.grace+time.Second)
	defer cancel()

	acked := 0
	for _, s := range signals {
		if err := s.Wait(waitCtx); err != nil {
			break
		}
		acked++
	}
	if acked < len(signals) {
		m.logger.Warn("Workers did not stop in time", "port", port, "stopped", acked, "workers", len(signals))
		return
	}
	m.logger.Debug("Listener pool stopped", "port", port, "workers", acked)
}

// refreshPort restarts health checks for the current routes of port
func (m *Manager) refreshPort(port int) {
	svc, ok := m.state.Service(port)
	if !ok {
		return
	}
	if m.healthChecker != nil {
		m.healthChecker.Watch(svc)
	}
	if m.metrics != nil {
		for _, route := range svc.ServiceConfig.Routes {
			m.metrics.SetAliveTargets(route.RouteID, route.RefreshLiveness())
		}
	}
}

// afterChange prunes stale breakers and persists the table
func (m *Manager) afterChange() {
	snapshot := m.state.Snapshot()
	if m.detector != nil {
		keep := make(map[*balancer.BaseRoute]struct{})
		for _, svc := range snapshot.ApiServiceConfig {
			for _, route := range svc.ServiceConfig.Routes {
				for _, t := range route.Targets() {
					keep[t] = struct{}{}
				}
			}
		}
		m.detector.Prune(keep)
	}
	if m.persister != nil {
		m.persister.Submit(snapshot)
	}
}

func (m *Manager) recordChange(op string, err error) {
	if m.metrics != nil {
		m.metrics.RecordConfigChange(op, err)
	}
}
