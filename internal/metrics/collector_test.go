package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c := NewCollector()
	t.Cleanup(c.Stop)
	return c
}

// family returns the gathered metric family with name, or nil
func family(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func TestRecordRequest(t *testing.T) {
	c := newTestCollector(t)

	c.RecordRequest(8080, "users", 200, 10*time.Millisecond)
	c.RecordRequest(8080, "users", 200, 20*time.Millisecond)
	c.RecordRequest(8080, "", 404, time.Millisecond)
	c.RecordRequest(8080, "users", 502, time.Millisecond)

	stats := c.GetStats()
	assert.Equal(t, uint64(4), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.TotalErrors)
	assert.InDelta(t, 25.0, stats.ErrorRate, 0.001)

	requests := family(t, c, "gatewind_requests_total")
	require.NotNil(t, requests)

	counts := make(map[string]float64)
	for _, m := range requests.GetMetric() {
		l := labels(m)
		assert.Equal(t, "8080", l["port"])
		counts[l["route"]+"/"+l["status"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"users/200": 2,
		"none/404":  1,
		"users/502": 1,
	}, counts)

	durations := family(t, c, "gatewind_upstream_duration_seconds")
	require.NotNil(t, durations)
	var samples uint64
	for _, m := range durations.GetMetric() {
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(4), samples)
}

func TestGauges(t *testing.T) {
	c := newTestCollector(t)

	c.SetAliveTargets("users", 2)
	c.SetListenerWorkers(8080, 4)
	c.SetListenerWorkers(9090, 1)

	alive := family(t, c, "gatewind_route_alive_targets")
	require.NotNil(t, alive)
	require.Len(t, alive.GetMetric(), 1)
	assert.Equal(t, 2.0, alive.GetMetric()[0].GetGauge().GetValue())

	workers := family(t, c, "gatewind_listener_workers")
	require.NotNil(t, workers)
	assert.Len(t, workers.GetMetric(), 2)

	c.SetListenerWorkers(9090, 0)
	workers = family(t, c, "gatewind_listener_workers")
	require.NotNil(t, workers)
	require.Len(t, workers.GetMetric(), 1)
	assert.Equal(t, "8080", labels(workers.GetMetric()[0])["port"])
	assert.Equal(t, 4.0, workers.GetMetric()[0].GetGauge().GetValue())

	c.DeleteRoute("users")
	assert.Nil(t, family(t, c, "gatewind_route_alive_targets"))
}

func TestRecordConfigChange(t *testing.T) {
	c := newTestCollector(t)

	c.RecordConfigChange("add_service", nil)
	c.RecordConfigChange("add_service", nil)
	c.RecordConfigChange("delete_route", errors.New("route not found"))

	changes := family(t, c, "gatewind_config_changes_total")
	require.NotNil(t, changes)

	got := make(map[string]float64)
	for _, m := range changes.GetMetric() {
		l := labels(m)
		got[l["operation"]+"/"+l["result"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"add_service/ok":     2,
		"delete_route/error": 1,
	}, got)
}

func TestActiveConnections(t *testing.T) {
	c := newTestCollector(t)

	c.IncrementActiveConnections()
	c.IncrementActiveConnections()
	c.DecrementActiveConnections()

	assert.Equal(t, int64(1), c.GetStats().ActiveConnections)
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordRequest(8080, "users", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gatewind_requests_total{port="8080",route="users",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestStopIsIdempotent(t *testing.T) {
	c := NewCollector()
	c.Stop()
	c.Stop()
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.OS)
	assert.Positive(t, info.NumCPU)
}
