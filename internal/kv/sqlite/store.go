// Package sqlite provides a kv.Store backed by a SQLite database file.
//
// Values are written through immediately. PRAGMA data_version detects commits
// made by other connections, such as a replication agent writing into the same
// file. A watcher goroutine polls it in the background and Synchronize, which
// also checkpoints the WAL, checks it once more. Those commits are reported to
// subscribers; the first one seen after Open carries
// kv.ReasonInitialSyncChange.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/stacklok/cloudkv/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

const defaultWatchInterval = 250 * time.Millisecond

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithWatchInterval sets how often data_version is polled for commits by
// other connections. Zero disables the watcher, leaving detection to
// Synchronize.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Store) {
		s.watchInterval = d
	}
}

// Store is a SQLite-backed kv.Store.
type Store struct {
	kv.Notifier

	logger        *slog.Logger
	db            *sql.DB
	watchInterval time.Duration

	stop      chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
	// conn is pinned because data_version is a per-connection counter
	conn        *sql.Conn
	dataVersion int64
	foreignSeen bool
	closed      bool
}

var _ kv.Store = (*Store)(nil)

// Open creates or opens the database at path, applies the schema and starts
// the watcher.
//
// The database is configured with:
//   - WAL mode so other processes can read during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		logger:        slog.Default(),
		db:            db,
		watchInterval: defaultWatchInterval,
		stop:          make(chan struct{}),
		watchDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if s.watchInterval > 0 {
		go s.watch()
	} else {
		close(s.watchDone)
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.conn = conn

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	version, err := s.queryDataVersion(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.dataVersion = version
	return nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, kv.ErrClosed
	}

	var raw []byte
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM kv_values WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	v, err := kv.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode key %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO kv_values (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, raw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Remove implements kv.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM kv_values WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT key FROM kv_values ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Synchronize implements kv.Store.
func (s *Store) Synchronize(ctx context.Context) bool {
	ev, err := s.checkpoint(ctx)
	if err != nil {
		s.logger.Warn("SQLite store synchronize failed", "error", err)
		return false
	}
	if ev != nil {
		s.logger.Debug("Detected external commits", "reason", ev.Reason.String())
		s.Post(*ev)
	}
	return true
}

func (s *Store) checkpoint(ctx context.Context) (*kv.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return nil, fmt.Errorf("failed to checkpoint: %w", err)
	}
	return s.detect(ctx)
}

// detect compares data_version with the last value seen. Commits made on our
// own connection do not change it.
func (s *Store) detect(ctx context.Context) (*kv.ChangeEvent, error) {
	version, err := s.queryDataVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == s.dataVersion {
		return nil, nil
	}
	s.dataVersion = version

	reason := kv.ReasonServerChange
	if !s.foreignSeen {
		reason = kv.ReasonInitialSyncChange
		s.foreignSeen = true
	}
	return &kv.ChangeEvent{Reason: reason}, nil
}

func (s *Store) queryDataVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query data_version: %w", err)
	}
	return version, nil
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
			ev, err := s.poll()
			if err != nil {
				s.logger.Debug("SQLite store poll failed", "error", err)
				continue
			}
			if ev != nil {
				s.logger.Debug("Detected external commits", "reason", ev.Reason.String())
				s.Post(*ev)
			}
		}
	}
}

func (s *Store) poll() (*kv.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	return s.detect(context.Background())
}

// Close implements kv.Store. It stops the watcher and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.watchDone

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.closeErr = errors.Join(s.conn.Close(), s.db.Close())
	})
	return s.closeErr
}
