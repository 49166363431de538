// Package file provides a kv.Store persisted as a JSON document on disk.
//
// Writes are buffered in memory and flushed by Synchronize, which takes an
// exclusive file lock, merges changes written to the document by other
// processes (for example a cloud drive client replicating the file), and
// writes the merged document back atomically. A watcher goroutine polls the
// document between flushes so changes written by someone else reach
// subscribers without a local flush. The first foreign change observed after
// Open carries kv.ReasonInitialSyncChange, later ones kv.ReasonServerChange.
// Close flushes pending writes.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/cloudkv/internal/kv"
)

const (
	defaultLockRetryDelay = 50 * time.Millisecond
	defaultWatchInterval  = 250 * time.Millisecond
	closeFlushTimeout     = 5 * time.Second
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for flush diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLockRetryDelay sets how often Synchronize retries a contended file lock.
func WithLockRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.lockRetryDelay = d
	}
}

// WithWatchInterval sets how often the document is polled for foreign
// changes. Zero disables the watcher, leaving detection to Synchronize.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Store) {
		s.watchInterval = d
	}
}

// Store is a file-backed kv.Store.
type Store struct {
	kv.Notifier

	path           string
	lock           *flock.Flock
	logger         *slog.Logger
	lockRetryDelay time.Duration
	watchInterval  time.Duration

	stop      chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	values map[string]any
	// dirty holds keys set or removed locally since the last successful flush
	dirty map[string]struct{}
	// lastDisk is the document as it was after our last read or write
	lastDisk map[string]json.RawMessage
	// foreignSeen records whether a change written by someone else has been
	// observed since Open
	foreignSeen bool
	closed      bool
}

var _ kv.Store = (*Store)(nil)

// Open loads the document at path, creating its directory if needed, and
// starts the watcher. A missing file is treated as an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path:           path,
		lock:           flock.New(path + ".lock"),
		logger:         slog.Default(),
		lockRetryDelay: defaultLockRetryDelay,
		watchInterval:  defaultWatchInterval,
		stop:           make(chan struct{}),
		watchDone:      make(chan struct{}),
		values:         make(map[string]any),
		dirty:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock store file: %w", err)
	}
	disk, err := readDocument(path)
	unlockErr := s.lock.Unlock()
	if err != nil {
		return nil, err
	}
	if unlockErr != nil {
		return nil, fmt.Errorf("failed to unlock store file: %w", unlockErr)
	}

	for k, raw := range disk {
		v, err := kv.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %q: %w", k, err)
		}
		s.values[k] = v
	}
	s.lastDisk = disk

	if s.watchInterval > 0 {
		go s.watch()
	} else {
		close(s.watchDone)
	}
	return s, nil
}

// Path returns the location of the backing document.
func (s *Store) Path() string {
	return s.path
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	// Reject values the flush would fail to write.
	if _, err := kv.Encode(n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.values[key] = n
	s.dirty[key] = struct{}{}
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
	s.dirty[key] = struct{}{}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	return slices.Sorted(maps.Keys(s.values)), nil
}

// Synchronize implements kv.Store. It returns false when the document could
// not be locked, read or written.
func (s *Store) Synchronize(ctx context.Context) bool {
	ev, err := s.flush(ctx)
	if err != nil {
		s.logger.Warn("File store flush failed", "path", s.path, "error", err)
		return false
	}
	if ev != nil {
		s.logger.Debug("Detected external changes",
			"path", s.path,
			"reason", ev.Reason.String(),
			"keys", len(ev.Keys))
		s.Post(*ev)
	}
	return true
}

func (s *Store) flush(ctx context.Context) (*kv.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	locked, err := s.lock.TryLockContext(ctx, s.lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock store file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store file is locked by another process")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Failed to unlock store file", "path", s.path, "error", err)
		}
	}()

	disk, err := readDocument(s.path)
	if err != nil {
		return nil, err
	}

	adopted, changed, err := s.foreignChanges(disk)
	if err != nil {
		return nil, err
	}

	merged := maps.Clone(disk)
	if merged == nil {
		merged = make(map[string]json.RawMessage)
	}
	for k := range s.dirty {
		v, ok := s.values[k]
		if !ok {
			delete(merged, k)
			continue
		}
		raw, err := kv.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key %q: %w", k, err)
		}
		merged[k] = raw
	}

	if len(s.dirty) > 0 || !maps.EqualFunc(merged, disk, rawEqual) {
		if err := writeDocument(s.path, merged); err != nil {
			return nil, err
		}
	}

	s.apply(adopted)
	s.lastDisk = merged
	clear(s.dirty)
	return s.changeEvent(changed), nil
}

// foreignChanges returns the keys someone else changed on disk since our last
// read or write, skipping keys we changed too, and their decoded values. A nil
// value marks a removal.
func (s *Store) foreignChanges(disk map[string]json.RawMessage) (map[string]any, []string, error) {
	var changed []string
	adopted := make(map[string]any)
	for _, k := range unionKeys(disk, s.lastDisk) {
		if _, mine := s.dirty[k]; mine {
			continue
		}
		if bytes.Equal(disk[k], s.lastDisk[k]) {
			continue
		}
		if raw, ok := disk[k]; ok {
			v, err := kv.Decode(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode key %q: %w", k, err)
			}
			adopted[k] = v
		} else {
			adopted[k] = nil
		}
		changed = append(changed, k)
	}
	return adopted, changed, nil
}

func (s *Store) apply(adopted map[string]any) {
	for k, v := range adopted {
		if v == nil {
			delete(s.values, k)
		} else {
			s.values[k] = v
		}
	}
}

func (s *Store) changeEvent(changed []string) *kv.ChangeEvent {
	if len(changed) == 0 {
		return nil
	}
	reason := kv.ReasonServerChange
	if !s.foreignSeen {
		reason = kv.ReasonInitialSyncChange
		s.foreignSeen = true
	}
	return &kv.ChangeEvent{Reason: reason, Keys: changed}
}

func (s *Store) watch() {
	defer close(s.watchDone)

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ev, err := s.refresh()
			if err != nil {
				s.logger.Debug("File store poll failed", "path", s.path, "error", err)
				continue
			}
			if ev != nil {
				s.logger.Debug("Detected external changes",
					"path", s.path,
					"reason", ev.Reason.String(),
					"keys", len(ev.Keys))
				s.Post(*ev)
			}
		}
	}
}

// refresh adopts foreign changes from the document without writing it. A
// document held under an exclusive lock is skipped until the next tick.
func (s *Store) refresh() (*kv.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	locked, err := s.lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock store file: %w", err)
	}
	if !locked {
		return nil, nil
	}
	disk, err := readDocument(s.path)
	if unlockErr := s.lock.Unlock(); unlockErr != nil {
		s.logger.Warn("Failed to unlock store file", "path", s.path, "error", unlockErr)
	}
	if err != nil {
		return nil, err
	}
	if maps.EqualFunc(disk, s.lastDisk, rawEqual) {
		return nil, nil
	}

	adopted, changed, err := s.foreignChanges(disk)
	if err != nil {
		return nil, err
	}
	s.apply(adopted)
	s.lastDisk = disk
	return s.changeEvent(changed), nil
}

// Close implements kv.Store. It stops the watcher and flushes pending writes.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.watchDone

		s.mu.Lock()
		pending := len(s.dirty) > 0
		s.mu.Unlock()
		if pending {
			ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
			defer cancel()
			if _, err := s.flush(ctx); err != nil {
				s.closeErr = fmt.Errorf("failed to flush store on close: %w", err)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.closeErr = errors.Join(s.closeErr, s.lock.Close())
	})
	return s.closeErr
}

func unionKeys(a, b map[string]json.RawMessage) []string {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(keys))
}

func readDocument(path string) (map[string]json.RawMessage, error) {
	// #nosec G304 -- path is supplied by the operator through configuration
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store file: %w", err)
	}
	// Indentation differs between writers; compare values in compact form.
	for k, raw := range doc {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("failed to compact key %q: %w", k, err)
		}
		doc[k] = buf.Bytes()
	}
	return doc, nil
}

func rawEqual(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}

func writeDocument(path string, doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store file: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary store file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename store file: %w", err)
	}
	return nil
}
