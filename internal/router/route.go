// Package router implements per-route matching and the route policy chain
package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"gatewind/internal/balancer"
	"gatewind/internal/middleware/auth"
	"gatewind/internal/middleware/ipfilter"
	"gatewind/internal/middleware/ratelimit"
	"gatewind/internal/types"
)

// LivenessConfig is the minimum number of targets kept in rotation
type LivenessConfig struct {
	MinLivenessCount int `json:"min_liveness_count" yaml:"min_liveness_count"`
}

// LivenessStatus is the reported number of alive targets
type LivenessStatus struct {
	CurrentLivenessCount int `json:"current_liveness_count" yaml:"current_liveness_count"`
}

// HealthCheckConfig enables active probing of every target of the route
type HealthCheckConfig struct {
	Path               string         `json:"path" yaml:"path"`
	Interval           types.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout            types.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HealthyThreshold   int            `json:"healthy_threshold,omitempty" yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold int            `json:"unhealthy_threshold,omitempty" yaml:"unhealthy_threshold,omitempty"`
}

// AnomalyDetectionConfig ejects a target after consecutive 5xx responses
type AnomalyDetectionConfig struct {
	Consecutive5xx int `json:"consecutive_5xx" yaml:"consecutive_5xx"`
	EjectionSecond int `json:"ejection_second" yaml:"ejection_second"`
}

// Route is one routing rule of a service: a path/host matcher, a policy
// chain and the strategy selecting the upstream target.
type Route struct {
	RouteID          string
	HostName         string
	Matcher          *Matcher
	AllowDenyList    []ipfilter.AllowDenyObject
	Authentication   *auth.Config
	RateLimit        *ratelimit.Config
	RewriteHeaders   map[string]string
	LivenessConfig   *LivenessConfig
	HealthCheck      *HealthCheckConfig
	AnomalyDetection *AnomalyDetectionConfig
	RouteCluster     *balancer.Strategy

	hostPattern   *regexp.Regexp
	authenticator types.Authenticator
	limiter       types.RateLimiter

	livenessMu sync.RWMutex
	liveness   LivenessStatus
}

// routeDocument is the serialized form. liveness_status is reported on
// output and ignored on input.
type routeDocument struct {
	RouteID          string                     `json:"route_id" yaml:"route_id"`
	HostName         string                     `json:"host_name,omitempty" yaml:"host_name,omitempty"`
	Matcher          *Matcher                   `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	AllowDenyList    []ipfilter.AllowDenyObject `json:"allow_deny_list,omitempty" yaml:"allow_deny_list,omitempty"`
	Authentication   *auth.Config               `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	RateLimit        *ratelimit.Config          `json:"ratelimit,omitempty" yaml:"ratelimit,omitempty"`
	RewriteHeaders   map[string]string          `json:"rewrite_headers,omitempty" yaml:"rewrite_headers,omitempty"`
	LivenessConfig   *LivenessConfig            `json:"liveness_config,omitempty" yaml:"liveness_config,omitempty"`
	LivenessStatus   *LivenessStatus            `json:"liveness_status,omitempty" yaml:"liveness_status,omitempty"`
	HealthCheck      *HealthCheckConfig         `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	AnomalyDetection *AnomalyDetectionConfig    `json:"anomaly_detection,omitempty" yaml:"anomaly_detection,omitempty"`
	RouteCluster     *balancer.Strategy         `json:"route_cluster" yaml:"route_cluster"`
}

func (r *Route) document() routeDocument {
	status := r.Liveness()
	return routeDocument{
		RouteID:          r.RouteID,
		HostName:         r.HostName,
		Matcher:          r.Matcher,
		AllowDenyList:    r.AllowDenyList,
		Authentication:   r.Authentication,
		RateLimit:        r.RateLimit,
		RewriteHeaders:   r.RewriteHeaders,
		LivenessConfig:   r.LivenessConfig,
		LivenessStatus:   &status,
		HealthCheck:      r.HealthCheck,
		AnomalyDetection: r.AnomalyDetection,
		RouteCluster:     r.RouteCluster,
	}
}

func (r *Route) load(doc routeDocument) {
	r.RouteID = doc.RouteID
	r.HostName = doc.HostName
	r.Matcher = doc.Matcher
	r.AllowDenyList = doc.AllowDenyList
	r.Authentication = doc.Authentication
	r.RateLimit = doc.RateLimit
	r.RewriteHeaders = doc.RewriteHeaders
	r.LivenessConfig = doc.LivenessConfig
	r.HealthCheck = doc.HealthCheck
	r.AnomalyDetection = doc.AnomalyDetection
	r.RouteCluster = doc.RouteCluster
}

func (r *Route) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.document())
}

func (r *Route) UnmarshalJSON(data []byte) error {
	var doc routeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	r.load(doc)
	return nil
}

func (r *Route) MarshalYAML() (interface{}, error) {
	return r.document(), nil
}

func (r *Route) UnmarshalYAML(value *yaml.Node) error {
	var doc routeDocument
	if err := value.Decode(&doc); err != nil {
		return err
	}
	r.load(doc)
	return nil
}

// Compile normalizes the matcher, builds the capabilities from their
// descriptors and prepares the strategy. A route must be compiled once
// before it serves traffic.
func (r *Route) Compile(logger types.Logger) error {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if r.RouteID == "" {
		r.RouteID = uuid.New().String()
	}
	if r.RouteCluster == nil {
		return types.ValidationError{Field: "route_cluster", Message: "route_cluster is required"}
	}

	if r.Matcher != nil {
		normalized := NormalizeMatcher(*r.Matcher)
		r.Matcher = &normalized
	}

	if r.HostName != "" {
		pattern, err := regexp.Compile(r.HostName)
		if err != nil {
			return types.ValidationError{Field: "host_name", Message: err.Error()}
		}
		r.hostPattern = pattern
	}

	if err := ipfilter.Validate(r.AllowDenyList); err != nil {
		return err
	}

	if r.Authentication != nil {
		a, err := auth.New(*r.Authentication)
		if err != nil {
			return fmt.Errorf("route %s: %w", r.RouteID, err)
		}
		r.authenticator = a
	}

	if r.RateLimit != nil {
		l, err := ratelimit.New(*r.RateLimit)
		if err != nil {
			return fmt.Errorf("route %s: %w", r.RouteID, err)
		}
		r.limiter = l
	}

	if r.AnomalyDetection != nil && r.AnomalyDetection.Consecutive5xx <= 0 {
		return types.ValidationError{Field: "anomaly_detection.consecutive_5xx", Message: "must be positive"}
	}

	if err := r.RouteCluster.Compile(logger.With("route_id", r.RouteID)); err != nil {
		return fmt.Errorf("route %s: %w", r.RouteID, err)
	}

	r.SetLivenessCount(r.RouteCluster.Len())
	return nil
}

// WithAuthenticator injects an authentication capability
func (r *Route) WithAuthenticator(a types.Authenticator) *Route {
	r.authenticator = a
	return r
}

// WithRateLimiter injects a rate-limit capability
func (r *Route) WithRateLimiter(l types.RateLimiter) *Route {
	r.limiter = l
	return r
}

// Targets returns every upstream target of the route
func (r *Route) Targets() []*balancer.BaseRoute {
	if r.RouteCluster == nil {
		return nil
	}
	return r.RouteCluster.Targets()
}

// Liveness returns the reported liveness status
func (r *Route) Liveness() LivenessStatus {
	r.livenessMu.RLock()
	defer r.livenessMu.RUnlock()
	return r.liveness
}

// SetLivenessCount updates the reported number of alive targets
func (r *Route) SetLivenessCount(n int) {
	r.livenessMu.Lock()
	r.liveness.CurrentLivenessCount = n
	r.livenessMu.Unlock()
}

// MinLivenessCount returns the configured floor, zero when unset
func (r *Route) MinLivenessCount() int {
	if r.LivenessConfig == nil {
		return 0
	}
	return r.LivenessConfig.MinLivenessCount
}

// RefreshLiveness recounts alive targets and stores the result
func (r *Route) RefreshLiveness() int {
	alive := 0
	for _, t := range r.Targets() {
		if t.Alive() {
			alive++
		}
	}
	r.SetLivenessCount(alive)
	return alive
}
