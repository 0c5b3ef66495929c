// Package api implements the gatewind control plane
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"gatewind/internal/metrics"
	"gatewind/internal/router"
	"gatewind/internal/state"
	"gatewind/internal/types"
	"gatewind/internal/version"
)

// maxBodyBytes bounds a control-plane request body
const maxBodyBytes = 4 << 20

// Controller applies routing table changes; the listener manager
// implements it
type Controller interface {
	AddService(ctx context.Context, svc *state.ApiService) error
	RemoveService(ctx context.Context, port int) error
	UpdateRoute(ctx context.Context, route *router.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// Options for creating the API handler
type Options struct {
	State      *state.Handler
	Controller Controller
	Logger     types.Logger
	Metrics    *metrics.Collector
	// MetricsPath serves the Prometheus registry when Metrics is set
	MetricsPath string
	// APIKey guards the mutating endpoints when set
	APIKey string
}

// Handler provides the control-plane API
type Handler struct {
	state       *state.Handler
	controller  Controller
	logger      types.Logger
	metrics     *metrics.Collector
	metricsPath string
	apiKey      string
}

// New creates a new API handler instance
func New(opts Options) *Handler {
	h := &Handler{
		state:       opts.State,
		controller:  opts.Controller,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		metricsPath: opts.MetricsPath,
		apiKey:      opts.APIKey,
	}
	if h.logger == nil {
		h.logger = types.NopLogger{}
	}
	if h.metricsPath == "" {
		h.metricsPath = "/metrics"
	}
	return h
}

// Router returns the HTTP handler for the API
func (h *Handler) Router() http.Handler {
	mainRouter := mux.NewRouter()

	// Prometheus metrics endpoint (no JSON middleware)
	if h.metrics != nil {
		mainRouter.Handle(h.metricsPath, h.metrics.Handler()).Methods(http.MethodGet)
	}

	apiRouter := mainRouter.PathPrefix("/").Subrouter()
	apiRouter.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	apiRouter.HandleFunc("/appConfig", h.handleGetAppConfig).Methods(http.MethodGet, http.MethodOptions)
	apiRouter.HandleFunc("/appConfig", h.handlePostAppConfig).Methods(http.MethodPost, http.MethodOptions)
	apiRouter.HandleFunc("/appConfig/{port:[0-9]+}", h.handleDeleteAppConfig).Methods(http.MethodDelete, http.MethodOptions)
	apiRouter.HandleFunc("/route", h.handlePutRoute).Methods(http.MethodPut, http.MethodOptions)
	apiRouter.HandleFunc("/route/{id}", h.handleDeleteRoute).Methods(http.MethodDelete, http.MethodOptions)

	apiRouter.Use(func(next http.Handler) http.Handler {
		return loggingMiddleware(next, h.logger)
	})
	apiRouter.Use(corsMiddleware)
	apiRouter.Use(jsonMiddleware)
	if h.apiKey != "" {
		apiRouter.Use(func(next http.Handler) http.Handler {
			return apiKeyMiddleware(next, h.apiKey)
		})
	}

	return mainRouter
}

// handleGetAppConfig handles GET /appConfig
func (h *Handler) handleGetAppConfig(w http.ResponseWriter, r *http.Request) {
	respondOK(w, h.state.Snapshot())
}

// handlePostAppConfig handles POST /appConfig. A service on an already
// bound port replaces the running one.
func (h *Handler) handlePostAppConfig(w http.ResponseWriter, r *http.Request) {
	var svc state.ApiService
	if err := decodeBody(w, r, &svc); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := h.controller.AddService(r.Context(), &svc); err != nil {
		h.logger.Error("failed to add service", "port", svc.ListenPort, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, 0)
}

// handleDeleteAppConfig handles DELETE /appConfig/{port}
func (h *Handler) handleDeleteAppConfig(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := h.controller.RemoveService(r.Context(), port); err != nil {
		h.logger.Error("failed to remove service", "port", port, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, 0)
}

// handlePutRoute handles PUT /route
func (h *Handler) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var route router.Route
	if err := decodeBody(w, r, &route); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if err := h.controller.UpdateRoute(r.Context(), &route); err != nil {
		h.logger.Error("failed to update route", "route_id", route.RouteID, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, 0)
}

// handleDeleteRoute handles DELETE /route/{id}
func (h *Handler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.DeleteRoute(r.Context(), id); err != nil {
		h.logger.Error("failed to delete route", "route_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, 0)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.GetInfo()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	workers := make(map[int]int)
	for _, port := range h.state.SignalPorts() {
		workers[port] = h.state.StopSignalCount(port)
	}

	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   versionInfo.Version,
		Build: BuildInfo{
			GitCommit: versionInfo.GitCommit,
			BuildTime: versionInfo.BuildTime,
			GoVersion: versionInfo.GoVersion,
			Platform:  versionInfo.Platform,
		},
		Runtime: RuntimeInfo{
			Goroutines: runtime.NumGoroutine(),
			GOMAXPROCS: runtime.GOMAXPROCS(0),
			Uptime:     versionInfo.Uptime,
			MemoryMB:   memStats.Alloc / 1024 / 1024,
			GCCount:    memStats.NumGC,
		},
		System:   metrics.GetSystemInfo(),
		Services: len(h.state.Ports()),
		Workers:  workers,
	}
	if h.metrics != nil {
		stats := h.metrics.GetStats()
		health.Stats = &stats
	}

	respondOK(w, health)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrInvalidConfiguration, err)
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		// Headers are already sent; nothing useful can be done on failure
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondOK wraps object in a success envelope
func respondOK[T any](w http.ResponseWriter, object T) {
	respondJSON(w, http.StatusOK, BaseResponse[T]{
		ResponseCode:   CodeSuccess,
		ResponseObject: object,
	})
}

// respondError wraps the error text in a failure envelope
func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, BaseResponse[string]{
		ResponseCode:   CodeError,
		ResponseObject: err.Error(),
	})
}
