package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// snapshots kept in the history table
const sqliteHistory = 20

// sqliteStorage keeps a history of routing table snapshots
type sqliteStorage struct {
	db     *sql.DB
	logger types.Logger
}

// NewSQLite opens the database at dsn
func NewSQLite(dsn string, logger types.Logger) (Persister, error) {
	if dsn == "" {
		dsn = "gatewind.db"
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &sqliteStorage{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *sqliteStorage) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS config_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document TEXT NOT NULL,
			services INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *sqliteStorage) Save(ctx context.Context, cfg *state.AppConfig) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config_snapshots (document, services) VALUES (?, ?)`,
		string(data), len(cfg.ApiServiceConfig),
	); err != nil {
		return fmt.Errorf("%w: insert snapshot: %v", types.ErrStorageError, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM config_snapshots WHERE id NOT IN (
			SELECT id FROM config_snapshots ORDER BY id DESC LIMIT ?
		)`, sqliteHistory,
	); err != nil {
		return fmt.Errorf("%w: trim history: %v", types.ErrStorageError, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	return nil
}

func (s *sqliteStorage) Load(ctx context.Context) (*state.AppConfig, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM config_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNoPersistedConfig
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageError, err)
	}
	return Decode([]byte(document))
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}
