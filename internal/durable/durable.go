package durable

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("durable: key not found")

// ErrInvalidInput is returned for empty namespaces, keys or DSNs.
var ErrInvalidInput = errors.New("durable: invalid input")

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Storage is the key-value store of a single actor.
//
// Writes are durable when the call returns. List returns entries in
// ascending byte order of key.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Backend hands out namespaced Storage views over one physical store.
type Backend interface {
	Namespace(name string) Storage
	Close() error
}

// Open builds a backend from a DSN. The scheme selects the implementation.
func Open(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file", "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if parsed.Host != "" {
		// sqlite://relative/path.db parses "relative" as the host.
		path = parsed.Host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func validKey(namespace, key string) error {
	if namespace == "" || key == "" {
		return ErrInvalidInput
	}
	return nil
}
