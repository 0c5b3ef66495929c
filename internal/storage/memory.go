package storage

import (
	"context"
	"sync"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// memoryStorage keeps the last encoded snapshot in memory
type memoryStorage struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

// NewMemory creates an in-memory persister
func NewMemory() Persister {
	return &memoryStorage{}
}

func (s *memoryStorage) Save(ctx context.Context, cfg *state.AppConfig) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) Load(ctx context.Context) (*state.AppConfig, error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	if data == nil {
		return nil, types.ErrNoPersistedConfig
	}
	return Decode(data)
}

func (s *memoryStorage) Close() error {
	return nil
}

// Saves returns how many snapshots were stored
func (s *memoryStorage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
