package circuit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gatewind/internal/balancer"
	"gatewind/internal/router"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

// HealthChecker actively probes the targets of routes that configure a
// health_check and flips their liveness flag.
type HealthChecker struct {
	interval time.Duration
	timeout  time.Duration
	path     string
	logger   types.Logger
	client   *http.Client

	mu      sync.Mutex
	watches map[int]context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealthChecker creates a checker; the arguments are the defaults for
// routes that leave them unset
func NewHealthChecker(interval, timeout time.Duration, path string, logger types.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if path == "" {
		path = "/health"
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &HealthChecker{
		interval: interval,
		timeout:  timeout,
		path:     path,
		logger:   logger,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // Don't follow redirects
			},
		},
		watches: make(map[int]context.CancelFunc),
	}
}

// Watch starts probing the routes of svc, replacing any previous watch on
// the same port
func (hc *HealthChecker) Watch(svc *state.ApiService) {
	hc.Unwatch(svc.ListenPort)

	ctx, cancel := context.WithCancel(context.Background())
	started := 0
	for _, route := range svc.ServiceConfig.Routes {
		if route.HealthCheck == nil {
			continue
		}
		started++
		hc.wg.Add(1)
		go func(route *router.Route) {
			defer hc.wg.Done()
			hc.watchRoute(ctx, route)
		}(route)
	}

	if started == 0 {
		cancel()
		return
	}

	hc.mu.Lock()
	hc.watches[svc.ListenPort] = cancel
	hc.mu.Unlock()
	hc.logger.Debug("Health checks started", "port", svc.ListenPort, "routes", started)
}

// Unwatch stops probing the routes of port
func (hc *HealthChecker) Unwatch(port int) {
	hc.mu.Lock()
	cancel, ok := hc.watches[port]
	delete(hc.watches, port)
	hc.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop stops every watch and waits for the probes to return
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	for port, cancel := range hc.watches {
		cancel()
		delete(hc.watches, port)
	}
	hc.mu.Unlock()
	hc.wg.Wait()
}

type probeState struct {
	consecutiveFails int
	consecutivePass  int
}

func (hc *HealthChecker) watchRoute(ctx context.Context, route *router.Route) {
	cfg := route.HealthCheck
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = hc.interval
	}
	failThreshold := max(cfg.UnhealthyThreshold, 1)
	passThreshold := max(cfg.HealthyThreshold, 1)

	states := make(map[*balancer.BaseRoute]*probeState)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, target := range route.Targets() {
			if target.IsStatic() {
				continue
			}
			st, ok := states[target]
			if !ok {
				st = &probeState{}
				states[target] = st
			}

			if err := hc.Check(ctx, route, target); err != nil {
				if ctx.Err() != nil {
					return
				}
				st.consecutivePass = 0
				st.consecutiveFails++
				if st.consecutiveFails >= failThreshold && target.Alive() {
					target.SetAlive(false)
					hc.logger.Warn("Target marked unhealthy",
						"route_id", route.RouteID,
						"endpoint", target.Endpoint,
						"consecutive_fails", st.consecutiveFails,
						"error", err,
					)
				}
				continue
			}

			st.consecutiveFails = 0
			st.consecutivePass++
			if st.consecutivePass >= passThreshold {
				if alive := target.IsAlive(); alive != nil && !*alive {
					hc.logger.Info("Target marked healthy",
						"route_id", route.RouteID,
						"endpoint", target.Endpoint,
					)
				}
				target.SetAlive(true)
			}
		}
		route.RefreshLiveness()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check probes one target once
func (hc *HealthChecker) Check(ctx context.Context, route *router.Route, target *balancer.BaseRoute) error {
	u, err := target.UpstreamURL()
	if err != nil {
		return err
	}

	path := hc.path
	timeout := hc.timeout
	if cfg := route.HealthCheck; cfg != nil {
		if cfg.Path != "" {
			path = cfg.Path
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout.Std()
		}
	}
	u.Path = path

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
}
