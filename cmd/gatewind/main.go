package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gatewind/internal/circuit"
	"gatewind/internal/config"
	"gatewind/internal/metrics"
	"gatewind/internal/proxy"
	"gatewind/internal/server"
	"gatewind/internal/state"
	"gatewind/internal/storage"
	"gatewind/internal/types"
	"gatewind/internal/version"
	"gatewind/pkg/api"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Configuration file path")
		showVersion = flag.Bool("version", false, "Show version information")
		validate    = flag.Bool("validate", false, "Validate configuration and exit")
		genAPIKey   = flag.Bool("gen-api-key", false, "Print a random admin API key and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if *genAPIKey {
		key, err := config.GenerateAPIKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate API key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		os.Exit(0)
	}

	// Settings are read before the logger exists; report through a default one
	bootLogger, err := initLogger(types.LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	loader := config.NewLoader(*configFile, wrapZapLogger(bootLogger))
	cfg, err := loader.LoadConfig()
	if err != nil {
		wrapZapLogger(bootLogger).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	_ = bootLogger.Sync()

	zapLogger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := wrapZapLogger(zapLogger)

	if *validate {
		if cfg.ConfigFilePath != "" {
			routing, err := config.LoadRoutingFile(cfg.ConfigFilePath)
			if err == nil {
				err = routing.Compile(logger)
			}
			if err != nil {
				logger.Error("Routing file is invalid", "error", err)
				os.Exit(1)
			}
		}
		logger.Info("Configuration is valid")
		os.Exit(0)
	}

	app, err := initializeApp(cfg, logger, initAccessLogger(cfg, zapLogger))
	if err != nil {
		logger.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-app.errChan:
		logger.Error("Server error", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("Starting graceful shutdown")
	app.shutdown(shutdownCtx)
	logger.Info("Shutdown completed successfully")
}

type application struct {
	cfg       *types.GatewayConfig
	logger    types.Logger
	state     *state.Handler
	manager   *server.Manager
	persister storage.Persister
	writer    *storage.Writer
	collector *metrics.Collector
	apiServer *http.Server
	watcher   *config.Watcher
	errChan   chan error
}

func initializeApp(cfg *types.GatewayConfig, logger types.Logger, accessLog types.Logger) (*application, error) {
	persister, err := storage.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}
	writer := storage.NewWriter(persister, 10*time.Second, logger.With("component", "persistence"))

	store := state.NewHandler(state.StaticConfig{
		AccessLog:      cfg.AccessLog,
		DatabaseURL:    cfg.DatabaseURL,
		AdminPort:      cfg.AdminPort,
		ConfigFilePath: cfg.ConfigFilePath,
	})

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	manager := server.NewManager(server.Options{
		State:     store,
		Logger:    logger.With("component", "listener"),
		Listener:  cfg.Listener,
		Transport: proxy.NewTransport(cfg.Transport),
		Persister: writer,
		Detector:  circuit.NewAnomalyDetector(logger.With("component", "anomaly")),
		HealthChecker: circuit.NewHealthChecker(
			cfg.HealthCheck.Interval,
			cfg.HealthCheck.Timeout,
			cfg.HealthCheck.Path,
			logger.With("component", "health"),
		),
		Metrics:   collector,
		AccessLog: accessLog,
	})

	apiHandler := api.New(api.Options{
		State:       store,
		Controller:  manager,
		Logger:      logger.With("component", "api"),
		Metrics:     collector,
		MetricsPath: cfg.Metrics.Path,
		APIKey:      cfg.API.APIKey,
	})

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.AdminPort),
		Handler:      apiHandler.Router(),
		ReadTimeout:  cfg.Listener.ReadTimeout,
		WriteTimeout: cfg.Listener.WriteTimeout,
		IdleTimeout:  cfg.Listener.IdleTimeout,
	}

	return &application{
		cfg:       cfg,
		logger:    logger,
		state:     store,
		manager:   manager,
		persister: persister,
		writer:    writer,
		collector: collector,
		apiServer: apiServer,
		errChan:   make(chan error, 1),
	}, nil
}

// start restores the routing table, starts every listener pool and the
// admin server
func (a *application) start(ctx context.Context) error {
	initial, fromFile, err := a.initialConfig(ctx)
	if err != nil {
		return err
	}
	switch {
	case initial == nil:
	case fromFile:
		err = a.manager.Sync(ctx, initial)
	default:
		err = a.manager.StartAll(ctx, initial)
	}
	if err != nil {
		// Services that failed stay down; the others serve
		a.logger.Error("Some services failed to start", "error", err)
	}

	if a.cfg.Watch {
		watcher, err := config.NewWatcher(a.cfg.ConfigFilePath, a.logger.With("component", "watcher"))
		if err != nil {
			return err
		}
		watcher.OnChange(func(routing *state.AppConfig) {
			if err := a.manager.Sync(ctx, routing); err != nil {
				a.logger.Error("Failed to apply routing file", "error", err)
			}
		})
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		a.watcher = watcher
	}

	go func() {
		a.logger.Info("Starting admin server", "addr", a.apiServer.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()
	return nil
}

// initialConfig prefers the persisted table and falls back to the routing
// file. fromFile reports that the table was read from the routing file.
func (a *application) initialConfig(ctx context.Context) (cfg *state.AppConfig, fromFile bool, err error) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	persisted, err := a.persister.Load(loadCtx)
	switch {
	case err == nil:
		a.logger.Info("Restored persisted routing table", "services", len(persisted.ApiServiceConfig))
		return persisted, false, nil
	case !errors.Is(err, types.ErrNoPersistedConfig):
		a.logger.Warn("Failed to load persisted routing table", "error", err)
	}

	if a.cfg.ConfigFilePath == "" {
		a.logger.Info("No routing file configured, waiting for the control plane")
		return nil, false, nil
	}
	routing, err := config.LoadRoutingFile(a.cfg.ConfigFilePath)
	if err != nil {
		return nil, false, err
	}
	a.logger.Info("Loaded routing file", "file", a.cfg.ConfigFilePath, "services", len(routing.ApiServiceConfig))
	return routing, true, nil
}

func (a *application) shutdown(ctx context.Context) {
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.logger.Error("Admin server shutdown error", "error", err)
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Error("Listener shutdown error", "error", err)
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if err := a.persister.Close(); err != nil {
		a.logger.Error("Persistence close error", "error", err)
	}
}
