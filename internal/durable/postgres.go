package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "promptgenie_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores every namespace in one Postgres table.
//
// The connection and table are created lazily on first use, so a backend
// can be constructed before the database is reachable.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend creates a backend for dsn without connecting.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

// Namespace implements Backend.
func (b *PostgresBackend) Namespace(name string) Storage {
	return &postgresStorage{backend: b, namespace: name}
}

// Close implements Backend.
func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				key TEXT NOT NULL,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, key)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) table() string {
	return postgresQuoteIdentifier(b.tableName)
}

type postgresStorage struct {
	backend   *PostgresBackend
	namespace string
}

func (s *postgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	if err := s.backend.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE namespace = $1 AND key = $2", s.backend.table())
	var value []byte
	err := s.backend.db.QueryRowContext(ctx, query, s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.namespace, key, err)
	}
	return value, nil
}

func (s *postgresStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if err := s.backend.ensureReady(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, s.backend.table())
	if _, err := s.backend.db.ExecContext(ctx, query, s.namespace, key, value); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

func (s *postgresStorage) Delete(ctx context.Context, key string) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if err := s.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND key = $2", s.backend.table())
	if _, err := s.backend.db.ExecContext(ctx, query, s.namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

func (s *postgresStorage) List(ctx context.Context, prefix string) ([]Entry, error) {
	if s.namespace == "" {
		return nil, ErrInvalidInput
	}
	if err := s.backend.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT key, value FROM %s
		WHERE namespace = $1 AND starts_with(key, $2)
		ORDER BY key COLLATE "C"`, s.backend.table())
	rows, err := s.backend.db.QueryContext(ctx, query, s.namespace, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s*: %w", s.namespace, prefix, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
