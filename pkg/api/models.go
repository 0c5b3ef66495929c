package api

import (
	"gatewind/internal/metrics"
)

// Response codes carried in the envelope
const (
	CodeSuccess = 0
	CodeError   = -1
)

// BaseResponse is the envelope of every control-plane response
type BaseResponse[T any] struct {
	ResponseCode   int `json:"response_code"`
	ResponseObject T   `json:"response_object"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string             `json:"status"`
	Timestamp string             `json:"timestamp"`
	Version   string             `json:"version"`
	Build     BuildInfo          `json:"build"`
	Runtime   RuntimeInfo        `json:"runtime"`
	System    metrics.SystemInfo `json:"system"`
	Services  int                `json:"services"`
	Workers   map[int]int        `json:"workers"`
	Stats     *metrics.Stats     `json:"stats,omitempty"`
}

// BuildInfo describes the running binary
type BuildInfo struct {
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// RuntimeInfo describes the Go runtime
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	GOMAXPROCS int    `json:"gomaxprocs"`
	Uptime     string `json:"uptime"`
	MemoryMB   uint64 `json:"memory_mb"`
	GCCount    uint32 `json:"gc_count"`
}
