// Package config loads the gateway process settings and the routing file
package config

import (
	"github.com/spf13/viper"
)

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("admin_port", 8870)
	v.SetDefault("config_file_path", "")
	v.SetDefault("access_log", "")
	v.SetDefault("database_url", "")
	v.SetDefault("watch", false)
	v.SetDefault("shutdown_timeout", "30s")

	// Listener defaults; zero workers means one per CPU
	v.SetDefault("listener.workers", 0)
	v.SetDefault("listener.shutdown_grace", "30s")
	v.SetDefault("listener.read_timeout", "30s")
	v.SetDefault("listener.write_timeout", "30s")
	v.SetDefault("listener.idle_timeout", "120s")

	// Transport defaults
	v.SetDefault("transport.max_idle_conns", 100)
	v.SetDefault("transport.max_idle_conns_per_host", 10)
	v.SetDefault("transport.max_conns_per_host", 0)
	v.SetDefault("transport.idle_conn_timeout", "90s")
	v.SetDefault("transport.dial_timeout", "30s")
	v.SetDefault("transport.keep_alive", "30s")
	v.SetDefault("transport.response_header_timeout", "30s")
	v.SetDefault("transport.insecure_skip_verify", false)

	// Health check defaults
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/health")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.access_logs", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Persistence defaults
	v.SetDefault("persistence.type", "file")
	v.SetDefault("persistence.path", "temporary/new_gatewind_config.yml")
	v.SetDefault("persistence.etcd.key", "/gatewind/app_config")
	v.SetDefault("persistence.etcd.dial_timeout", "5s")

	v.SetDefault("api.api_key", "")
}
