package state

import (
	"fmt"
	"sort"
	"sync"

	"gatewind/internal/router"
	"gatewind/internal/types"
)

// Handler owns the routing table and the stop signals of every running
// listener worker. One Handler is created at startup and shared by pointer.
// Services stored in the table are never mutated in place; writers swap in
// a modified copy so a reader holding a service keeps a consistent view.
type Handler struct {
	mu     sync.RWMutex
	config *AppConfig

	signalsMu sync.Mutex
	signals   map[int][]*StopSignal
}

// NewHandler creates a handler with an empty routing table
func NewHandler(static StaticConfig) *Handler {
	return &Handler{
		config:  NewAppConfig(static),
		signals: make(map[int][]*StopSignal),
	}
}

// Service returns the service bound to port
func (h *Handler) Service(port int) (*ApiService, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, ok := h.config.ApiServiceConfig[port]
	return svc, ok
}

// Snapshot returns a copy of the routing table
func (h *Handler) Snapshot() *AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snapshot := NewAppConfig(h.config.StaticConfig)
	for port, svc := range h.config.ApiServiceConfig {
		snapshot.ApiServiceConfig[port] = svc
	}
	return snapshot
}

// Static returns the static settings
func (h *Handler) Static() StaticConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config.StaticConfig
}

// Ports returns the bound ports in ascending order
func (h *Handler) Ports() []int {
	h.mu.RLock()
	ports := make([]int, 0, len(h.config.ApiServiceConfig))
	for port := range h.config.ApiServiceConfig {
		ports = append(ports, port)
	}
	h.mu.RUnlock()

	sort.Ints(ports)
	return ports
}

// PutService binds svc to its port and returns the service it replaced
func (h *Handler) PutService(svc *ApiService) *ApiService {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.config.ApiServiceConfig[svc.ListenPort]
	h.config.ApiServiceConfig[svc.ListenPort] = svc
	return previous
}

// RestoreService puts previous back on port, or unbinds the port when
// previous is nil. Used to roll back a failed activation.
func (h *Handler) RestoreService(port int, previous *ApiService) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if previous == nil {
		delete(h.config.ApiServiceConfig, port)
		return
	}
	h.config.ApiServiceConfig[port] = previous
}

// DeleteService unbinds port
func (h *Handler) DeleteService(port int) (*ApiService, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.config.ApiServiceConfig[port]
	if !ok {
		return nil, types.ErrServiceNotFound
	}
	delete(h.config.ApiServiceConfig, port)
	return svc, nil
}

// FindRoute looks a route up by id across every service
func (h *Handler) FindRoute(id string) (*ApiService, *router.Route, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, route, _, ok := h.findRoute(id)
	return svc, route, ok
}

// UpdateRoute replaces the route carrying the same route_id. The route
// must already be compiled. It returns the port of the owning service.
func (h *Handler) UpdateRoute(route *router.Route) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	svc, _, index, ok := h.findRoute(route.RouteID)
	if !ok {
		return 0, types.ErrRouteNotFound
	}

	routes := make([]*router.Route, len(svc.ServiceConfig.Routes))
	copy(routes, svc.ServiceConfig.Routes)
	routes[index] = route
	h.config.ApiServiceConfig[svc.ListenPort] = svc.withRoutes(routes)
	return svc.ListenPort, nil
}

// DeleteRoute removes the route with id and returns the owning port. The
// last route of a service cannot be deleted.
func (h *Handler) DeleteRoute(id string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	svc, _, index, ok := h.findRoute(id)
	if !ok {
		return 0, types.ErrRouteNotFound
	}
	if len(svc.ServiceConfig.Routes) == 1 {
		return 0, types.ValidationError{Field: "route_id", Message: fmt.Sprintf("route %q is the last route of port %d, remove the service instead", id, svc.ListenPort)}
	}

	routes := make([]*router.Route, 0, len(svc.ServiceConfig.Routes)-1)
	routes = append(routes, svc.ServiceConfig.Routes[:index]...)
	routes = append(routes, svc.ServiceConfig.Routes[index+1:]...)
	h.config.ApiServiceConfig[svc.ListenPort] = svc.withRoutes(routes)
	return svc.ListenPort, nil
}

// findRoute scans ports in ascending order; callers hold h.mu
func (h *Handler) findRoute(id string) (*ApiService, *router.Route, int, bool) {
	ports := make([]int, 0, len(h.config.ApiServiceConfig))
	for port := range h.config.ApiServiceConfig {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		svc := h.config.ApiServiceConfig[port]
		if route, index, ok := svc.Route(id); ok {
			return svc, route, index, true
		}
	}
	return nil, nil, -1, false
}

// AddStopSignals registers the stop signals of workers serving port
func (h *Handler) AddStopSignals(port int, signals ...*StopSignal) {
	h.signalsMu.Lock()
	defer h.signalsMu.Unlock()
	h.signals[port] = append(h.signals[port], signals...)
}

// TakeStopSignals removes and returns the signals registered for exactly
// this port
func (h *Handler) TakeStopSignals(port int) []*StopSignal {
	h.signalsMu.Lock()
	defer h.signalsMu.Unlock()
	signals := h.signals[port]
	delete(h.signals, port)
	return signals
}

// StopSignalCount returns how many workers are registered on port
func (h *Handler) StopSignalCount(port int) int {
	h.signalsMu.Lock()
	defer h.signalsMu.Unlock()
	return len(h.signals[port])
}

// SignalPorts returns every port that has registered workers
func (h *Handler) SignalPorts() []int {
	h.signalsMu.Lock()
	ports := make([]int, 0, len(h.signals))
	for port := range h.signals {
		ports = append(ports, port)
	}
	h.signalsMu.Unlock()

	sort.Ints(ports)
	return ports
}
