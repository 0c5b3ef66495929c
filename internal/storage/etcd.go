package storage

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// DefaultEtcdKey holds the routing document when no key is configured
const DefaultEtcdKey = "/gatewind/app_config"

// etcdStorage keeps the routing document under a single key
type etcdStorage struct {
	client *clientv3.Client
	key    string
}

// NewEtcd connects to the etcd cluster
func NewEtcd(endpoints []string, key string, dialTimeout time.Duration) (Persister, error) {
	if len(endpoints) == 0 {
		return nil, types.ValidationError{Field: "persistence.etcd.endpoints", Message: "at least one endpoint is required"}
	}
	if key == "" {
		key = DefaultEtcdKey
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &etcdStorage{client: client, key: key}, nil
}

func (s *etcdStorage) Save(ctx context.Context, cfg *state.AppConfig) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	return nil
}

func (s *etcdStorage) Load(ctx context.Context) (*state.AppConfig, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, types.ErrNoPersistedConfig
	}
	return Decode(resp.Kvs[0].Value)
}

func (s *etcdStorage) Close() error {
	return s.client.Close()
}
