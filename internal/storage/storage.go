// Package storage persists the routing table between restarts
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// Persister stores snapshots of the routing table. Load returns
// types.ErrNoPersistedConfig when nothing was saved yet.
type Persister interface {
	Save(ctx context.Context, cfg *state.AppConfig) error
	Load(ctx context.Context) (*state.AppConfig, error)
	Close() error
}

// Persistence types
const (
	TypeFile   = "file"
	TypeSQLite = "sqlite"
	TypeEtcd   = "etcd"
	TypeMemory = "memory"
)

// DefaultFilePath is where the file persister writes when no path is set
const DefaultFilePath = "temporary/new_gatewind_config.yml"

// New creates the persister selected by the gateway configuration
func New(cfg *types.GatewayConfig, logger types.Logger) (Persister, error) {
	p := cfg.Persistence
	switch p.Type {
	case TypeFile, "":
		return NewFile(p.Path), nil
	case TypeSQLite:
		dsn := p.Path
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		return NewSQLite(dsn, logger)
	case TypeEtcd:
		return NewEtcd(p.Etcd.Endpoints, p.Etcd.Key, p.Etcd.DialTimeout)
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, types.ValidationError{Field: "persistence.type", Message: fmt.Sprintf("unknown persistence type %q", p.Type)}
	}
}

// Encode renders the routing table as the YAML document every persister
// stores
func Encode(cfg *state.AppConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode routing table: %v", types.ErrStorageError, err)
	}
	return data, nil
}

// Decode parses a YAML routing document. The result is not compiled.
func Decode(data []byte) (*state.AppConfig, error) {
	cfg := state.NewAppConfig(state.StaticConfig{})
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode routing table: %v", types.ErrStorageError, err)
	}
	if cfg.ApiServiceConfig == nil {
		cfg.ApiServiceConfig = make(map[int]*state.ApiService)
	}
	return cfg, nil
}

// Writer persists snapshots in the background, one save at a time. A
// snapshot submitted while a save is running replaces any snapshot still
// waiting, so the last submitted table is always the last one written.
// Failures are logged and never reach the caller.
type Writer struct {
	persister Persister
	timeout   time.Duration
	logger    types.Logger

	mu      sync.Mutex
	pending *state.AppConfig
	running bool
	wg      sync.WaitGroup
}

// NewWriter wraps p; timeout bounds each save
func NewWriter(p Persister, timeout time.Duration, logger types.Logger) *Writer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Writer{persister: p, timeout: timeout, logger: logger}
}

// Submit queues cfg for saving and returns immediately
func (w *Writer) Submit(cfg *state.AppConfig) {
	w.mu.Lock()
	w.pending = cfg
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.drain()
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		cfg := w.pending
		w.pending = nil
		if cfg == nil {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.persister.Save(ctx, cfg)
		cancel()
		if err != nil {
			w.logger.Error("Failed to persist routing table", "error", err)
			continue
		}
		w.logger.Debug("Routing table persisted", "services", len(cfg.ApiServiceConfig))
	}
}

// Wait blocks until every submitted snapshot was handled
func (w *Writer) Wait() {
	w.wg.Wait()
}
