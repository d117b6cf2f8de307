package loom

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Storage is the keyed JSON document port backing session memory and
// module state. Keys are opaque strings; values are raw JSON. Get on a
// missing key returns a ValidationError so callers can tell absence
// from an empty value.
type Storage interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Keys returns the stored keys with the given prefix, sorted. An
	// empty prefix returns every key.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
	Close() error
}

// MemStorage is the in-memory Storage used by default and in tests.
type MemStorage struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemStorage creates an empty in-memory store.
func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string]json.RawMessage)}
}

func (s *MemStorage) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, &ValidationError{Field: "key", Message: "not found: " + key}
	}
	return append(json.RawMessage{}, v...), nil
}

func (s *MemStorage) Set(_ context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Message: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append(json.RawMessage{}, value...)
	return nil
}

func (s *MemStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemStorage) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

func (s *MemStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	return nil
}

func (s *MemStorage) Close() error { return nil }

var _ Storage = (*MemStorage)(nil)
