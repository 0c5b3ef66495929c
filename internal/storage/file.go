package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// fileStorage writes the routing table to a YAML file
type fileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a file persister; the directory is created on first save
func NewFile(path string) Persister {
	if path == "" {
		path = DefaultFilePath
	}
	return &fileStorage{path: path}
}

func (s *fileStorage) Save(ctx context.Context, cfg *state.AppConfig) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}

	// Write then rename so a reader never sees a partial document
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	return nil
}

func (s *fileStorage) Load(ctx context.Context) (*state.AppConfig, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.ErrNoPersistedConfig
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	return Decode(data)
}

func (s *fileStorage) Close() error {
	return nil
}
