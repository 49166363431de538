// Package memory provides an in-process kv.Store.
//
// Besides serving tests, the memory store doubles as a stand-in for the cloud:
// ApplyExternalChange writes values as if another device had replicated them
// and announces the change to subscribers.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/stacklok/cloudkv/internal/kv"
)

// Option configures a Store.
type Option func(*Store)

// WithSynchronizeResult fixes the value returned by Synchronize. The default is true.
func WithSynchronizeResult(accepted bool) Option {
	return func(s *Store) {
		s.syncAccepted = accepted
	}
}

// WithValues seeds the store with initial values.
func WithValues(values map[string]any) Option {
	return func(s *Store) {
		maps.Copy(s.values, values)
	}
}

// Store is a concurrency-safe in-memory kv.Store.
type Store struct {
	kv.Notifier

	mu           sync.RWMutex
	values       map[string]any
	syncAccepted bool
	syncCalls    int
	closed       bool
}

var _ kv.Store = (*Store)(nil)

// New creates an empty memory store.
func New(opts ...Option) *Store {
	s := &Store{
		values:       make(map[string]any),
		syncAccepted: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, kv.ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key string, value any) error {
	n, err := kv.Normalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.values[key] = n
	return nil
}

// Remove implements kv.Store.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.values, key)
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	return slices.Sorted(maps.Keys(s.values)), nil
}

// Synchronize implements kv.Store.
func (s *Store) Synchronize(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	return s.syncAccepted && !s.closed
}

// SynchronizeCalls returns how many times Synchronize has been called.
func (s *Store) SynchronizeCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncCalls
}

// SetSynchronizeResult changes the value returned by later Synchronize calls.
func (s *Store) SetSynchronizeResult(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncAccepted = accepted
}

// ApplyExternalChange stores values as an external writer would and posts a
// change event carrying reason and the written keys.
func (s *Store) ApplyExternalChange(reason kv.ChangeReason, values map[string]any) error {
	normalized := make(map[string]any, len(values))
	for k, v := range values {
		n, err := kv.Normalize(v)
		if err != nil {
			return err
		}
		normalized[k] = n
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kv.ErrClosed
	}
	maps.Copy(s.values, normalized)
	s.mu.Unlock()

	s.Post(kv.ChangeEvent{Reason: reason, Keys: slices.Sorted(maps.Keys(normalized))})
	return nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
