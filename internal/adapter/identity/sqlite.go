package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"clawnode/internal/domain"
)

const (
	keyDeviceID    = "device_id"
	keyDeviceToken = "device_token"
)

// SQLiteStore keeps the identity in a key/value table, for hosts that already
// keep node state in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS node_identity (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadDeviceID(ctx context.Context) (string, error) {
	return s.get(ctx, keyDeviceID)
}

func (s *SQLiteStore) SaveDeviceID(ctx context.Context, id string) error {
	return s.put(ctx, keyDeviceID, id)
}

func (s *SQLiteStore) LoadDeviceToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyDeviceToken)
}

// SaveDeviceToken stores token; an empty token deletes the stored one.
func (s *SQLiteStore) SaveDeviceToken(ctx context.Context, token string) error {
	if token == "" {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM node_identity WHERE key = ?", keyDeviceToken); err != nil {
			return domain.NewDomainError("SQLiteStore.SaveDeviceToken", domain.ErrIdentityStore, err.Error())
		}
		return nil
	}
	return s.put(ctx, keyDeviceToken, token)
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM node_identity WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", domain.NewDomainError("SQLiteStore.get", domain.ErrIdentityStore, err.Error())
	}
	return value, nil
}

func (s *SQLiteStore) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_identity (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.put", domain.ErrIdentityStore, err.Error())
	}
	return nil
}

var _ domain.IdentityStore = (*SQLiteStore)(nil)
