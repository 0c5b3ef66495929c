package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	logger     types.Logger
	v          *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader(configPath string, logger types.Logger) *Loader {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Loader{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from file or environment
func (l *Loader) LoadConfig() (*types.GatewayConfig, error) {
	v := viper.New()
	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		// Look for config in standard locations
		v.SetConfigName("gatewind")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gatewind/")
		v.AddConfigPath("$HOME/.gatewind")
	}

	// Enable environment variables
	v.SetEnvPrefix("GATEWIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			l.logger.Warn("No config file found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		l.logger.Info("Loaded configuration", "file", v.ConfigFileUsed())
	}
	l.v = v

	return unmarshal(v)
}

// ConfigFileUsed returns the settings file read by the last LoadConfig
func (l *Loader) ConfigFileUsed() string {
	if l.v == nil {
		return ""
	}
	return l.v.ConfigFileUsed()
}

// LoadFromBytes loads configuration from byte array (for testing)
func LoadFromBytes(data []byte, format string) (*types.GatewayConfig, error) {
	v := viper.New()
	v.SetConfigType(format)
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*types.GatewayConfig, error) {
	var cfg types.GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// routingFile is the document read from config_file_path. It accepts a bare
// api_service_config list as well as the map written by persistence.
type routingFile struct {
	StaticConfig     *state.StaticConfig `yaml:"static_config"`
	ApiServiceConfig yaml.Node           `yaml:"api_service_config"`
	Services         []*state.ApiService `yaml:"services"`
}

// LoadRoutingFile reads a YAML routing table. The result is not compiled.
func LoadRoutingFile(path string) (*state.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing file: %w", err)
	}
	return ParseRouting(data)
}

// ParseRouting decodes a routing document
func ParseRouting(data []byte) (*state.AppConfig, error) {
	var doc routingFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: routing file: %v", types.ErrInvalidConfiguration, err)
	}

	cfg := state.NewAppConfig(state.StaticConfig{})
	if doc.StaticConfig != nil {
		cfg.StaticConfig = *doc.StaticConfig
	}

	add := func(svc *state.ApiService) error {
		if svc == nil {
			return nil
		}
		if _, dup := cfg.ApiServiceConfig[svc.ListenPort]; dup {
			return types.ValidationError{Field: "api_service_config", Message: fmt.Sprintf("port %d declared twice", svc.ListenPort)}
		}
		cfg.ApiServiceConfig[svc.ListenPort] = svc
		return nil
	}

	switch doc.ApiServiceConfig.Kind {
	case 0:
	case yaml.SequenceNode:
		var list []*state.ApiService
		if err := doc.ApiServiceConfig.Decode(&list); err != nil {
			return nil, fmt.Errorf("%w: api_service_config: %v", types.ErrInvalidConfiguration, err)
		}
		for _, svc := range list {
			if err := add(svc); err != nil {
				return nil, err
			}
		}
	case yaml.MappingNode:
		byPort := make(map[int]*state.ApiService)
		if err := doc.ApiServiceConfig.Decode(&byPort); err != nil {
			return nil, fmt.Errorf("%w: api_service_config: %v", types.ErrInvalidConfiguration, err)
		}
		for port, svc := range byPort {
			if svc != nil && svc.ListenPort == 0 {
				svc.ListenPort = port
			}
			if err := add(svc); err != nil {
				return nil, err
			}
		}
	default:
		return nil, types.ValidationError{Field: "api_service_config", Message: "must be a list or a map keyed by port"}
	}

	for _, svc := range doc.Services {
		if err := add(svc); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
