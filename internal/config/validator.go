package config

import (
	"fmt"
	"strings"

	"gatewind/internal/types"
)

// Validate validates a GatewayConfig
func Validate(cfg *types.GatewayConfig) error {
	var errs types.MultiError

	if cfg.AdminPort <= 0 || cfg.AdminPort > 65535 {
		errs.Add(types.ValidationError{Field: "admin_port", Message: fmt.Sprintf("invalid port %d", cfg.AdminPort)})
	}

	if cfg.Listener.Workers < 0 {
		errs.Add(types.ValidationError{Field: "listener.workers", Message: "must not be negative"})
	}
	if cfg.Listener.ShutdownGrace < 0 {
		errs.Add(types.ValidationError{Field: "listener.shutdown_grace", Message: "must not be negative"})
	}

	if cfg.Transport.MaxIdleConns < 0 || cfg.Transport.MaxIdleConnsPerHost < 0 || cfg.Transport.MaxConnsPerHost < 0 {
		errs.Add(types.ValidationError{Field: "transport", Message: "connection limits must not be negative"})
	}

	if cfg.HealthCheck.Interval < 0 || cfg.HealthCheck.Timeout < 0 {
		errs.Add(types.ValidationError{Field: "health_check", Message: "durations must not be negative"})
	}

	validPersistence := map[string]bool{
		"file":   true,
		"sqlite": true,
		"etcd":   true,
		"memory": true,
	}
	if !validPersistence[cfg.Persistence.Type] {
		errs.Add(types.ValidationError{Field: "persistence.type", Message: fmt.Sprintf("invalid persistence type %q", cfg.Persistence.Type)})
	}
	if cfg.Persistence.Type == "etcd" && len(cfg.Persistence.Etcd.Endpoints) == 0 {
		errs.Add(types.ValidationError{Field: "persistence.etcd.endpoints", Message: "required when persistence.type is etcd"})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		errs.Add(types.ValidationError{Field: "logging.level", Message: fmt.Sprintf("invalid level %q", cfg.Logging.Level)})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(cfg.Logging.Format)] {
		errs.Add(types.ValidationError{Field: "logging.format", Message: fmt.Sprintf("invalid format %q", cfg.Logging.Format)})
	}

	if cfg.Watch && cfg.ConfigFilePath == "" {
		errs.Add(types.ValidationError{Field: "watch", Message: "config_file_path is required to watch"})
	}

	return errs.ErrorOrNil()
}
