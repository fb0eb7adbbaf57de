package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (conversation_id, timestamp) index on messages
const currentSchemaVersion = 1

// DefaultErrorLogLimit caps the diagnostics error log kept in settings.
const DefaultErrorLogLimit = 50

// Store is the local offline store: entities plus the mutation log.
//
// Thread-safety: all methods are safe for concurrent use. Writes are
// serialized by an internal mutex so stamp order equals append order.
type Store struct {
	db   *sql.DB
	path string

	clock         model.Clock
	ids           model.IDGenerator
	logger        zerolog.Logger
	errorLogLimit int

	writeMu sync.Mutex
	stamper *model.Stamper

	watchMu  sync.Mutex
	watchers map[chan int]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock used to stamp mutations.
func WithClock(c model.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator sets the generator for entity and mutation ids.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithErrorLogLimit caps the diagnostics error log. Values <= 0 use the default.
func WithErrorLogLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.errorLogLimit = n
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, model.NewStorageError("open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, model.NewStorageError("connect to database", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, model.NewStorageError("apply pragmas", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, model.NewStorageError("apply schema", err)
	}

	s := &Store{
		db:            db,
		path:          path,
		clock:         model.SystemClock{},
		ids:           model.UUIDv7Generator{},
		logger:        zerolog.Nop(),
		errorLogLimit: DefaultErrorLogLimit,
		watchers:      make(map[chan int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	floor, err := latestTimestamp(db)
	if err != nil {
		db.Close()
		return nil, model.NewStorageError("read latest timestamp", err)
	}
	s.stamper = model.NewStamper(s.clock, floor)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes messages for ordered per-conversation reads and the
// delete cascade.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp
		ON messages(conversation_id, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// latestTimestamp returns the newest timestamp written by any previous
// session, so stamps keep increasing across restarts.
func latestTimestamp(db *sql.DB) (int64, error) {
	var ts int64
	err := db.QueryRow(`
		SELECT MAX(
			(SELECT COALESCE(MAX(timestamp), 0) FROM sync_queue),
			(SELECT COALESCE(MAX(updated_at), 0) FROM conversations),
			(SELECT COALESCE(MAX(timestamp), 0) FROM messages)
		)
	`).Scan(&ts)
	return ts, err
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// write runs fn in one transaction under the write lock with a fresh stamp.
// Watchers are notified after a successful commit when queued is true.
func (s *Store) write(ctx context.Context, op string, queued bool, fn func(tx *sql.Tx, ts int64) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := s.stamper.Stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStorageError(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx, ts); err != nil {
		var se *model.SyncError
		if asSyncError(err, &se) {
			return err
		}
		return model.NewStorageError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.NewStorageError(op, err)
	}

	if queued {
		s.notifyPending(ctx)
	}
	return nil
}

// enqueue appends rec to the mutation log inside tx.
func enqueue(ctx context.Context, tx *sql.Tx, rec model.MutationRecord) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, action, store, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Action), string(rec.Store), payload, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append mutation %s: %w", rec.ID, err)
	}
	return nil
}
