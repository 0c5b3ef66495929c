// Package circuit implements passive anomaly detection and active health
// checking of upstream targets
package circuit

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"gatewind/internal/balancer"
	"gatewind/internal/router"
	"gatewind/internal/types"
)

const defaultEjection = 10 * time.Second

// AnomalyDetector ejects targets that return consecutive 5xx responses. Each
// target with anomaly detection enabled gets a two-step circuit breaker; the
// breaker opening marks the target dead and the half-open probe brings it
// back.
type AnomalyDetector struct {
	mu       sync.Mutex
	breakers map[string]*targetBreaker
	logger   types.Logger
}

type targetBreaker struct {
	breaker *gobreaker.TwoStepCircuitBreaker
	target  *balancer.BaseRoute
	route   *router.Route
}

// NewAnomalyDetector creates a detector
func NewAnomalyDetector(logger types.Logger) *AnomalyDetector {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &AnomalyDetector{
		breakers: make(map[string]*targetBreaker),
		logger:   logger,
	}
}

// Begin is called once a target has been selected for a request. The
// returned function must be called with the outcome of the upstream call.
func (d *AnomalyDetector) Begin(route *router.Route, target *balancer.BaseRoute) func(failed bool) {
	record := func(failed bool) {
		if failed {
			target.Record5xx()
		} else {
			target.ResetAnomaly()
		}
	}
	if route.AnomalyDetection == nil {
		return record
	}

	tb := d.breakerFor(route, target)
	done, err := tb.breaker.Allow()
	if err != nil {
		// Open or saturated half-open breaker: the request is already on its
		// way, only keep the counters.
		return record
	}
	return func(failed bool) {
		record(failed)
		done(!failed)
	}
}

func (d *AnomalyDetector) breakerFor(route *router.Route, target *balancer.BaseRoute) *targetBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tb, ok := d.breakers[target.BaseRouteID]; ok && tb.target == target {
		return tb
	}

	cfg := route.AnomalyDetection
	ejection := time.Duration(cfg.EjectionSecond) * time.Second
	if ejection <= 0 {
		ejection = defaultEjection
	}

	tb := &targetBreaker{target: target, route: route}
	tb.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        target.BaseRouteID,
		MaxRequests: 1,
		Timeout:     ejection,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < uint32(cfg.Consecutive5xx) {
				return false
			}
			// Keep the configured minimum in rotation.
			return route.RefreshLiveness()-1 >= route.MinLivenessCount()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.onStateChange(tb, ejection, from, to)
		},
	})
	d.breakers[target.BaseRouteID] = tb
	return tb
}

func (d *AnomalyDetector) onStateChange(tb *targetBreaker, ejection time.Duration, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		tb.target.SetAlive(false)
		d.logger.Warn("Target ejected after consecutive 5xx",
			"route_id", tb.route.RouteID,
			"target", tb.target.BaseRouteID,
			"endpoint", tb.target.Endpoint,
			"ejection", ejection,
		)
		// A dead target is never selected, so nothing would move the
		// breaker out of the open state on its own.
		time.AfterFunc(ejection, func() { tb.breaker.State() })
	case gobreaker.StateHalfOpen:
		tb.target.ResetAlive()
		d.logger.Info("Target back on probation",
			"route_id", tb.route.RouteID,
			"target", tb.target.BaseRouteID,
		)
	case gobreaker.StateClosed:
		tb.target.SetAlive(true)
		tb.target.ResetAnomaly()
		if from != gobreaker.StateClosed {
			d.logger.Info("Target restored",
				"route_id", tb.route.RouteID,
				"target", tb.target.BaseRouteID,
			)
		}
	}
	tb.route.RefreshLiveness()
}

// State returns the breaker state of a target, "closed" when untracked
func (d *AnomalyDetector) State(targetID string) string {
	d.mu.Lock()
	tb, ok := d.breakers[targetID]
	d.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return tb.breaker.State().String()
}

// Prune drops breakers of targets that are no longer configured
func (d *AnomalyDetector) Prune(keep map[*balancer.BaseRoute]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, tb := range d.breakers {
		if _, ok := keep[tb.target]; !ok {
			delete(d.breakers, id)
		}
	}
}
