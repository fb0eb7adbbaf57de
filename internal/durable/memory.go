package durable

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps every namespace in process memory.
//
// Thread-safety: safe for concurrent use via internal mutex.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

// Namespace implements Backend.
func (b *MemoryBackend) Namespace(name string) Storage {
	return &memoryStorage{backend: b, namespace: name}
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

type memoryStorage struct {
	backend   *MemoryBackend
	namespace string
}

func (s *memoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	v, ok := s.backend.data[s.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *memoryStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	ns, ok := s.backend.data[s.namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.backend.data[s.namespace] = ns
	}
	ns[key] = slices.Clone(value)
	return nil
}

func (s *memoryStorage) Delete(ctx context.Context, key string) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.data[s.namespace], key)
	return nil
}

func (s *memoryStorage) List(ctx context.Context, prefix string) ([]Entry, error) {
	if s.namespace == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	entries := make([]Entry, 0)
	for k, v := range s.backend.data[s.namespace] {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Value: slices.Clone(v)})
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}
