package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewind/internal/balancer"
	"gatewind/internal/config"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

const routingList = `
static_config:
  admin_port: 8870
api_service_config:
  - listen_port: 8080
    service_config:
      server_type: Http
      routes:
        - route_id: users
          matcher:
            prefix: /api
            prefix_rewrite: /
          allow_deny_list:
            - limit_type: Allow
              value: 10.0.0.0/8
            - limit_type: DenyAll
          route_cluster:
            type: PollRoute
            routes:
              - base_route:
                  endpoint: http://127.0.0.1:9001
              - base_route:
                  endpoint: http://127.0.0.1:9002
  - listen_port: 9000
    service_config:
      server_type: Tcp
      routes:
        - route_cluster:
            type: RandomRoute
            routes:
              - base_route:
                  endpoint: 127.0.0.1:5432
`

const routingMap = `
api_service_config:
  8080:
    service_config:
      routes:
        - matcher:
            prefix: /
            prefix_rewrite: /
          route_cluster:
            type: WeightRoute
            routes:
              - base_route:
                  endpoint: http://127.0.0.1:9001
                weight: 3
services:
  - listen_port: 8081
    service_config:
      routes:
        - matcher:
            prefix: /static
            prefix_rewrite: /
          route_cluster:
            type: PollRoute
            routes:
              - base_route:
                  endpoint: /var/www
                  try_file: index.html
`

func TestLoadFromBytes(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := config.LoadFromBytes([]byte("admin_port: 9999\n"), "yaml")
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.AdminPort)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, 30*time.Second, cfg.Listener.ShutdownGrace)
		assert.Equal(t, 120*time.Second, cfg.Listener.IdleTimeout)
		assert.Equal(t, 100, cfg.Transport.MaxIdleConns)
		assert.Equal(t, 10*time.Second, cfg.HealthCheck.Interval)
		assert.Equal(t, "/health", cfg.HealthCheck.Path)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, "file", cfg.Persistence.Type)
		assert.Equal(t, "temporary/new_gatewind_config.yml", cfg.Persistence.Path)
	})

	t.Run("Nested settings", func(t *testing.T) {
		data := `
admin_port: 8000
config_file_path: routes.yml
watch: true
listener:
  workers: 4
  shutdown_grace: 5s
persistence:
  type: etcd
  etcd:
    endpoints: ["127.0.0.1:2379"]
logging:
  level: debug
  format: console
api:
  api_key: secret
`
		cfg, err := config.LoadFromBytes([]byte(data), "yaml")
		require.NoError(t, err)

		assert.True(t, cfg.Watch)
		assert.Equal(t, 4, cfg.Listener.Workers)
		assert.Equal(t, 5*time.Second, cfg.Listener.ShutdownGrace)
		assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Persistence.Etcd.Endpoints)
		assert.Equal(t, "/gatewind/app_config", cfg.Persistence.Etcd.Key)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Equal(t, "secret", cfg.API.APIKey)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := config.LoadFromBytes([]byte("admin_port: 0\nlogging:\n  level: loud\n"), "yaml")
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	})
}

func TestLoaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatewind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin_port: 8123\n"), 0o644))

	loader := config.NewLoader(path, nil)
	cfg, err := loader.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.AdminPort)
	assert.Equal(t, path, loader.ConfigFileUsed())
}

func TestLoaderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatewind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin_port: 8123\n"), 0o644))
	t.Setenv("GATEWIND_ADMIN_PORT", "8200")
	t.Setenv("GATEWIND_LOGGING_LEVEL", "warn")

	cfg, err := config.NewLoader(path, nil).LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8200, cfg.AdminPort)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *types.GatewayConfig {
		return &types.GatewayConfig{
			AdminPort:   8870,
			Logging:     types.LoggingConfig{Level: "info", Format: "json"},
			Persistence: types.PersistenceConfig{Type: "file"},
		}
	}
	require.NoError(t, config.Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*types.GatewayConfig)
	}{
		{"admin port", func(c *types.GatewayConfig) { c.AdminPort = 70000 }},
		{"negative workers", func(c *types.GatewayConfig) { c.Listener.Workers = -1 }},
		{"negative grace", func(c *types.GatewayConfig) { c.Listener.ShutdownGrace = -time.Second }},
		{"transport limits", func(c *types.GatewayConfig) { c.Transport.MaxIdleConns = -1 }},
		{"health durations", func(c *types.GatewayConfig) { c.HealthCheck.Timeout = -time.Second }},
		{"persistence type", func(c *types.GatewayConfig) { c.Persistence.Type = "s3" }},
		{"etcd endpoints", func(c *types.GatewayConfig) { c.Persistence.Type = "etcd" }},
		{"log level", func(c *types.GatewayConfig) { c.Logging.Level = "trace" }},
		{"log format", func(c *types.GatewayConfig) { c.Logging.Format = "xml" }},
		{"watch without file", func(c *types.GatewayConfig) { c.Watch = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
		})
	}

	t.Run("Collects every failure", func(t *testing.T) {
		cfg := valid()
		cfg.AdminPort = 0
		cfg.Logging.Level = "trace"
		err := config.Validate(cfg)

		var multi types.MultiError
		require.ErrorAs(t, err, &multi)
		assert.Len(t, multi.Errors, 2)
	})
}

func TestParseRouting(t *testing.T) {
	t.Run("List form", func(t *testing.T) {
		cfg, err := config.ParseRouting([]byte(routingList))
		require.NoError(t, err)
		require.NoError(t, cfg.Compile(nil))

		assert.Equal(t, 8870, cfg.StaticConfig.AdminPort)
		require.Len(t, cfg.ApiServiceConfig, 2)

		http := cfg.ApiServiceConfig[8080]
		require.NotNil(t, http)
		route := http.ServiceConfig.Routes[0]
		assert.Equal(t, "users", route.RouteID)
		assert.Equal(t, "/api/", route.Matcher.Prefix)
		assert.Len(t, route.AllowDenyList, 2)
		assert.Equal(t, 2, route.RouteCluster.Len())

		tcp := cfg.ApiServiceConfig[9000]
		require.NotNil(t, tcp)
		assert.Equal(t, state.Tcp, tcp.ServiceConfig.ServerType)
		assert.NotEmpty(t, tcp.ServiceConfig.Routes[0].RouteID)
	})

	t.Run("Map form with services", func(t *testing.T) {
		cfg, err := config.ParseRouting([]byte(routingMap))
		require.NoError(t, err)
		require.NoError(t, cfg.Compile(nil))

		require.Len(t, cfg.ApiServiceConfig, 2)
		weighted := cfg.ApiServiceConfig[8080]
		assert.Equal(t, 8080, weighted.ListenPort)
		assert.Equal(t, state.Http, weighted.ServiceConfig.ServerType)
		assert.Equal(t, balancer.WeightRouteType, weighted.ServiceConfig.Routes[0].RouteCluster.Type)

		static := cfg.ApiServiceConfig[8081].ServiceConfig.Routes[0].Targets()[0]
		assert.True(t, static.IsStatic())
		assert.Equal(t, "index.html", static.TryFile)
	})

	t.Run("Duplicate port", func(t *testing.T) {
		doc := `
api_service_config:
  - listen_port: 8080
services:
  - listen_port: 8080
`
		_, err := config.ParseRouting([]byte(doc))
		assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	})

	t.Run("Scalar service list", func(t *testing.T) {
		_, err := config.ParseRouting([]byte("api_service_config: 8080\n"))
		assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	})

	t.Run("Broken YAML", func(t *testing.T) {
		_, err := config.ParseRouting([]byte("api_service_config: [\n"))
		assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := config.LoadRoutingFile(filepath.Join(t.TempDir(), "missing.yml"))
		assert.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yml")
	require.NoError(t, os.WriteFile(path, []byte(routingMap), 0o644))

	w, err := config.NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	changes := make(chan *state.AppConfig, 4)
	w.OnChange(func(cfg *state.AppConfig) { changes <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yml"), []byte("x: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(routingList), 0o644))

	select {
	case cfg := <-changes:
		assert.Contains(t, cfg.ApiServiceConfig, 9000)
	case <-time.After(5 * time.Second):
		t.Fatal("routing file change was not reported")
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := config.GenerateAPIKey()
	require.NoError(t, err)
	b, err := config.GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}
