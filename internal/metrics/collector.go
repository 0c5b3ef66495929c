// Package metrics exposes gateway traffic and host statistics
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector tracks proxied traffic, listener pools and host resources
type Collector struct {
	// Request counters
	totalRequests atomic.Uint64
	totalErrors   atomic.Uint64
	activeConns   atomic.Int64

	// System metrics
	cpuPercent  atomic.Value // float64
	memoryUsage atomic.Value // float64

	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	aliveTargets     *prometheus.GaugeVec
	listenerWorkers  *prometheus.GaugeVec
	configChanges    *prometheus.CounterVec

	startTime     time.Time
	lastResetTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector on its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry:      prometheus.NewRegistry(),
		startTime:     time.Now(),
		lastResetTime: time.Now(),
		stopCh:        make(chan struct{}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewind_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"port", "route", "status"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatewind_upstream_duration_seconds",
				Help:    "Time spent serving a request, upstream call included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"port", "route"},
		),

		aliveTargets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatewind_route_alive_targets",
				Help: "Number of targets currently in rotation",
			},
			[]string{"route"},
		),

		listenerWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatewind_listener_workers",
				Help: "Number of listener workers serving a port",
			},
			[]string{"port"},
		),

		configChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewind_config_changes_total",
				Help: "Routing table changes applied through the control plane",
			},
			[]string{"operation", "result"},
		),
	}

	c.cpuPercent.Store(0.0)
	c.memoryUsage.Store(0.0)

	c.registry.MustRegister(
		c.requestsTotal,
		c.upstreamDuration,
		c.aliveTargets,
		c.listenerWorkers,
		c.configChanges,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	c.startSystemMetricsUpdater()
	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records one proxied request
func (c *Collector) RecordRequest(port int, routeID string, statusCode int, duration time.Duration) {
	c.totalRequests.Add(1)
	if statusCode >= 500 {
		c.totalErrors.Add(1)
	}
	if routeID == "" {
		routeID = "none"
	}
	p := strconv.Itoa(port)
	c.requestsTotal.WithLabelValues(p, routeID, strconv.Itoa(statusCode)).Inc()
	c.upstreamDuration.WithLabelValues(p, routeID).Observe(duration.Seconds())
}

// SetAliveTargets reports the liveness count of a route
func (c *Collector) SetAliveTargets(routeID string, alive int) {
	c.aliveTargets.WithLabelValues(routeID).Set(float64(alive))
}

// DeleteRoute forgets the gauges of a removed route
func (c *Collector) DeleteRoute(routeID string) {
	c.aliveTargets.DeleteLabelValues(routeID)
}

// SetListenerWorkers reports the worker count of a port; zero removes it
func (c *Collector) SetListenerWorkers(port, workers int) {
	p := strconv.Itoa(port)
	if workers == 0 {
		c.listenerWorkers.DeleteLabelValues(p)
		return
	}
	c.listenerWorkers.WithLabelValues(p).Set(float64(workers))
}

// RecordConfigChange counts one control-plane mutation
func (c *Collector) RecordConfigChange(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.configChanges.WithLabelValues(operation, result).Inc()
}

// IncrementActiveConnections increments active connection count
func (c *Collector) IncrementActiveConnections() {
	c.activeConns.Add(1)
}

// DecrementActiveConnections decrements active connection count
func (c *Collector) DecrementActiveConnections() {
	c.activeConns.Add(-1)
}

// Stats holds current metrics
type Stats struct {
	TotalRequests     uint64        `json:"total_requests"`
	TotalErrors       uint64        `json:"total_errors"`
	RequestsPerSec    float64       `json:"requests_per_second"`
	ErrorRate         float64       `json:"error_rate"`
	ActiveConnections int64         `json:"active_connections"`
	CPUPercent        float64       `json:"cpu_percent"`
	MemoryUsageMB     float64       `json:"memory_usage_mb"`
	Goroutines        int           `json:"goroutines"`
	Uptime            time.Duration `json:"uptime"`
}

// GetStats returns current statistics
func (c *Collector) GetStats() Stats {
	total := c.totalRequests.Load()
	errors := c.totalErrors.Load()

	duration := time.Since(c.lastResetTime).Seconds()
	if duration == 0 {
		duration = 1
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errors) / float64(total) * 100
	}

	return Stats{
		TotalRequests:     total,
		TotalErrors:       errors,
		RequestsPerSec:    float64(total) / duration,
		ErrorRate:         errorRate,
		ActiveConnections: c.activeConns.Load(),
		CPUPercent:        c.cpuPercent.Load().(float64),
		MemoryUsageMB:     c.memoryUsage.Load().(float64),
		Goroutines:        runtime.NumGoroutine(),
		Uptime:            time.Since(c.startTime),
	}
}

// startSystemMetricsUpdater samples host cpu and memory every two seconds
func (c *Collector) startSystemMetricsUpdater() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
					c.cpuPercent.Store(percent[0])
				}
				if vmStat, err := mem.VirtualMemory(); err == nil {
					c.memoryUsage.Store(float64(vmStat.Used) / 1024 / 1024)
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the system sampler
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
