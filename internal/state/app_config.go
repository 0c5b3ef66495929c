// Package state holds the gateway routing table and the process-wide handler
// that guards it.
package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"gatewind/internal/router"
	"gatewind/internal/types"
)

// ServiceType is the protocol a listener speaks
type ServiceType string

const (
	Http     ServiceType = "Http"
	Https    ServiceType = "Https"
	Tcp      ServiceType = "Tcp"
	Http2    ServiceType = "Http2"
	Http2Tls ServiceType = "Http2Tls"
)

// IsTLS reports whether the type terminates TLS
func (t ServiceType) IsTLS() bool {
	return t == Https || t == Http2Tls
}

// IsHTTP reports whether requests are decoded as HTTP
func (t ServiceType) IsHTTP() bool {
	return t != Tcp
}

// Valid reports whether t is a known type
func (t ServiceType) Valid() bool {
	switch t {
	case Http, Https, Tcp, Http2, Http2Tls:
		return true
	}
	return false
}

// ServiceConfig is the listener protocol plus its ordered routes
type ServiceConfig struct {
	ServerType ServiceType     `json:"server_type" yaml:"server_type"`
	CertStr    string          `json:"cert_str,omitempty" yaml:"cert_str,omitempty"`
	KeyStr     string          `json:"key_str,omitempty" yaml:"key_str,omitempty"`
	Routes     []*router.Route `json:"routes" yaml:"routes"`
}

// ApiService is a routed service bound to one listen port
type ApiService struct {
	ListenPort    int           `json:"listen_port" yaml:"listen_port"`
	ApiServiceID  string        `json:"api_service_id" yaml:"api_service_id"`
	ServiceConfig ServiceConfig `json:"service_config" yaml:"service_config"`
}

// Compile validates the service and compiles every route. It does not
// check TLS material; the listener manager does that before activation.
func (s *ApiService) Compile(logger types.Logger) error {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return types.ValidationError{Field: "listen_port", Message: fmt.Sprintf("invalid port %d", s.ListenPort)}
	}
	if s.ApiServiceID == "" {
		s.ApiServiceID = uuid.New().String()
	}

	cfg := &s.ServiceConfig
	if cfg.ServerType == "" {
		cfg.ServerType = Http
	}
	if !cfg.ServerType.Valid() {
		return types.ValidationError{Field: "service_config.server_type", Message: fmt.Sprintf("unknown server type %q", cfg.ServerType)}
	}
	if cfg.ServerType.IsTLS() && (cfg.CertStr == "" || cfg.KeyStr == "") {
		return types.ValidationError{Field: "service_config", Message: fmt.Sprintf("%s requires cert_str and key_str", cfg.ServerType)}
	}
	if len(cfg.Routes) == 0 {
		return types.ValidationError{Field: "service_config.routes", Message: "at least one route is required"}
	}

	seen := make(map[string]struct{}, len(cfg.Routes))
	log := logger.With("port", s.ListenPort)
	for i, route := range cfg.Routes {
		if route == nil {
			return types.ValidationError{Field: fmt.Sprintf("service_config.routes[%d]", i), Message: "route is required"}
		}
		if err := route.Compile(log); err != nil {
			return err
		}
		if cfg.ServerType.IsHTTP() && route.Matcher == nil {
			return types.ValidationError{Field: fmt.Sprintf("service_config.routes[%d].matcher", i), Message: types.ErrMissingMatcher.Error()}
		}
		if _, dup := seen[route.RouteID]; dup {
			return types.ValidationError{Field: fmt.Sprintf("service_config.routes[%d].route_id", i), Message: fmt.Sprintf("duplicate route id %q", route.RouteID)}
		}
		seen[route.RouteID] = struct{}{}
	}
	return nil
}

// Route returns the route with id
func (s *ApiService) Route(id string) (*router.Route, int, bool) {
	for i, route := range s.ServiceConfig.Routes {
		if route.RouteID == id {
			return route, i, true
		}
	}
	return nil, -1, false
}

// withRoutes returns a shallow copy of s that owns routes
func (s *ApiService) withRoutes(routes []*router.Route) *ApiService {
	c := *s
	c.ServiceConfig.Routes = routes
	return &c
}

// StaticConfig holds settings that are not changed by the control plane
type StaticConfig struct {
	AccessLog      string `json:"access_log,omitempty" yaml:"access_log,omitempty"`
	DatabaseURL    string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	AdminPort      int    `json:"admin_port" yaml:"admin_port"`
	ConfigFilePath string `json:"config_file_path,omitempty" yaml:"config_file_path,omitempty"`
}

// AppConfig is the whole routing table keyed by listen port
type AppConfig struct {
	StaticConfig     StaticConfig        `json:"static_config" yaml:"static_config"`
	ApiServiceConfig map[int]*ApiService `json:"api_service_config" yaml:"api_service_config"`
}

// NewAppConfig creates an empty routing table
func NewAppConfig(static StaticConfig) *AppConfig {
	return &AppConfig{
		StaticConfig:     static,
		ApiServiceConfig: make(map[int]*ApiService),
	}
}

// Compile compiles every service and checks that map keys match ports
func (c *AppConfig) Compile(logger types.Logger) error {
	if c.ApiServiceConfig == nil {
		c.ApiServiceConfig = make(map[int]*ApiService)
	}
	var errs types.MultiError
	for port, svc := range c.ApiServiceConfig {
		if svc == nil {
			errs.Add(types.ValidationError{Field: fmt.Sprintf("api_service_config[%d]", port), Message: "service is required"})
			continue
		}
		if svc.ListenPort == 0 {
			svc.ListenPort = port
		}
		if svc.ListenPort != port {
			errs.Add(types.ValidationError{Field: fmt.Sprintf("api_service_config[%d].listen_port", port), Message: fmt.Sprintf("does not match key (%d)", svc.ListenPort)})
			continue
		}
		errs.Add(svc.Compile(logger))
	}
	return errs.ErrorOrNil()
}

// Services returns the services ordered by port
func (c *AppConfig) Services() []*ApiService {
	services := make([]*ApiService, 0, len(c.ApiServiceConfig))
	for _, svc := range c.ApiServiceConfig {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].ListenPort < services[j].ListenPort
	})
	return services
}
