package circuit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewind/internal/balancer"
	"gatewind/internal/circuit"
	"gatewind/internal/router"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

func newRoute(t *testing.T, endpoints ...string) (*router.Route, []*balancer.BaseRoute) {
	t.Helper()
	targets := make([]*balancer.BaseRoute, len(endpoints))
	for i, endpoint := range endpoints {
		targets[i] = balancer.NewBaseRoute(endpoint)
	}
	route := &router.Route{
		Matcher:      &router.Matcher{Prefix: "/"},
		RouteCluster: balancer.NewPollStrategy(targets...),
	}
	require.NoError(t, route.Compile(nil))
	return route, targets
}

func TestAnomalyDetector(t *testing.T) {
	t.Run("Without configuration only counts", func(t *testing.T) {
		d := circuit.NewAnomalyDetector(nil)
		route, targets := newRoute(t, "http://127.0.0.1:1", "http://127.0.0.1:2")

		for i := 0; i < 10; i++ {
			d.Begin(route, targets[0])(true)
		}
		assert.True(t, targets[0].Alive())
		assert.EqualValues(t, 10, targets[0].AnomalyStatus().Consecutive5xx)

		d.Begin(route, targets[0])(false)
		assert.EqualValues(t, 0, targets[0].AnomalyStatus().Consecutive5xx)
	})

	t.Run("Ejects after consecutive failures and restores", func(t *testing.T) {
		d := circuit.NewAnomalyDetector(nil)
		route, targets := newRoute(t, "http://127.0.0.1:1", "http://127.0.0.1:2")
		route.AnomalyDetection = &router.AnomalyDetectionConfig{Consecutive5xx: 3, EjectionSecond: 1}

		d.Begin(route, targets[0])(true)
		d.Begin(route, targets[0])(true)
		assert.True(t, targets[0].Alive())

		d.Begin(route, targets[0])(true)
		assert.False(t, targets[0].Alive())
		assert.Equal(t, "open", d.State(targets[0].BaseRouteID))
		assert.Equal(t, 1, route.Liveness().CurrentLivenessCount)

		selected, err := route.RouteCluster.GetRoute(nil)
		require.NoError(t, err)
		assert.Same(t, targets[1], selected)

		require.Eventually(t, func() bool {
			return d.State(targets[0].BaseRouteID) == "half-open"
		}, 3*time.Second, 20*time.Millisecond)
		assert.Nil(t, targets[0].IsAlive(), "probation leaves the target selectable")

		d.Begin(route, targets[0])(false)
		assert.Equal(t, "closed", d.State(targets[0].BaseRouteID))
		require.NotNil(t, targets[0].IsAlive())
		assert.True(t, *targets[0].IsAlive())
		assert.Equal(t, 2, route.Liveness().CurrentLivenessCount)
	})

	t.Run("Success resets the streak", func(t *testing.T) {
		d := circuit.NewAnomalyDetector(nil)
		route, targets := newRoute(t, "http://127.0.0.1:1", "http://127.0.0.1:2")
		route.AnomalyDetection = &router.AnomalyDetectionConfig{Consecutive5xx: 2}

		for i := 0; i < 5; i++ {
			d.Begin(route, targets[0])(true)
			d.Begin(route, targets[0])(false)
		}
		assert.True(t, targets[0].Alive())
		assert.Equal(t, "closed", d.State(targets[0].BaseRouteID))
	})

	t.Run("Minimum liveness is kept", func(t *testing.T) {
		d := circuit.NewAnomalyDetector(nil)
		route, targets := newRoute(t, "http://127.0.0.1:1")
		route.AnomalyDetection = &router.AnomalyDetectionConfig{Consecutive5xx: 1}
		route.LivenessConfig = &router.LivenessConfig{MinLivenessCount: 1}

		for i := 0; i < 5; i++ {
			d.Begin(route, targets[0])(true)
		}
		assert.True(t, targets[0].Alive())
	})

	t.Run("Prune forgets removed targets", func(t *testing.T) {
		d := circuit.NewAnomalyDetector(nil)
		route, targets := newRoute(t, "http://127.0.0.1:1", "http://127.0.0.1:2")
		route.AnomalyDetection = &router.AnomalyDetectionConfig{Consecutive5xx: 1, EjectionSecond: 60}

		d.Begin(route, targets[0])(true)
		assert.Equal(t, "open", d.State(targets[0].BaseRouteID))

		d.Prune(map[*balancer.BaseRoute]struct{}{targets[1]: {}})
		assert.Equal(t, "closed", d.State(targets[0].BaseRouteID))
	})
}

func TestHealthCheckerCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var lastPath atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath.Store(r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer backend.Close()

	hc := circuit.NewHealthChecker(0, 0, "", nil)
	route, targets := newRoute(t, backend.URL)

	require.NoError(t, hc.Check(context.Background(), route, targets[0]))
	assert.Equal(t, "/health", lastPath.Load())

	route.HealthCheck = &router.HealthCheckConfig{Path: "/ready"}
	status.Store(http.StatusFound)
	require.NoError(t, hc.Check(context.Background(), route, targets[0]))
	assert.Equal(t, "/ready", lastPath.Load())

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, hc.Check(context.Background(), route, targets[0]))
}

func TestHealthCheckerWatch(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	hc := circuit.NewHealthChecker(time.Second, time.Second, "/health", nil)
	defer hc.Stop()

	route, targets := newRoute(t, backend.URL, "/var/www")
	route.HealthCheck = &router.HealthCheckConfig{
		Path:               "/health",
		Interval:           types.Duration(20 * time.Millisecond),
		UnhealthyThreshold: 2,
		HealthyThreshold:   2,
	}
	svc := &state.ApiService{
		ListenPort:    8080,
		ServiceConfig: state.ServiceConfig{Routes: []*router.Route{route}},
	}
	hc.Watch(svc)

	require.Eventually(t, func() bool {
		alive := targets[0].IsAlive()
		return alive != nil && *alive
	}, 2*time.Second, 10*time.Millisecond)

	healthy.Store(false)
	require.Eventually(t, func() bool {
		return !targets[0].Alive()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, targets[1].IsAlive(), "static targets are not probed")

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return targets[0].Alive()
	}, 2*time.Second, 10*time.Millisecond)

	hc.Unwatch(8080)
	healthy.Store(false)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, targets[0].Alive(), "unwatched routes are left alone")
}
