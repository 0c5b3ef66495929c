package types

import "time"

// GatewayConfig holds the process settings loaded at startup. The routing
// table itself lives in the state package and is mutated through the
// control plane.
type GatewayConfig struct {
	// Static settings mirrored into the persisted routing document
	AdminPort      int    `mapstructure:"admin_port" yaml:"admin_port"`
	AccessLog      string `mapstructure:"access_log" yaml:"access_log,omitempty"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"database_url,omitempty"`
	ConfigFilePath string `mapstructure:"config_file_path" yaml:"config_file_path,omitempty"`

	// Watch re-applies the routing file when it changes on disk
	Watch bool `mapstructure:"watch" yaml:"watch"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Listener    ListenerConfig    `mapstructure:"listener" yaml:"listener"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check" yaml:"health_check"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
}

// ListenerConfig sizes and times the per-port worker pools
type ListenerConfig struct {
	Workers       int           `mapstructure:"workers" yaml:"workers"` // 0 means one per CPU
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// TransportConfig tunes the pooled upstream client
type TransportConfig struct {
	MaxIdleConns          int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepAlive             time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// HealthCheckConfig holds the defaults for routes that enable active
// health checks without specifying every field
type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Path     string        `mapstructure:"path" yaml:"path"`
}

// LoggingConfig selects the log level and encoding
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, console
	AccessLogs bool   `mapstructure:"access_logs" yaml:"access_logs"`
}

// MetricsConfig controls the Prometheus endpoint of the admin server
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// PersistenceConfig says where the routing table is saved after every change
type PersistenceConfig struct {
	Type string     `mapstructure:"type" yaml:"type"` // file, sqlite, etcd, memory
	Path string     `mapstructure:"path" yaml:"path"`
	Etcd EtcdConfig `mapstructure:"etcd" yaml:"etcd"`
}

// EtcdConfig locates the etcd key holding the routing document
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Key         string        `mapstructure:"key" yaml:"key"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// APIConfig guards the admin API
type APIConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}
