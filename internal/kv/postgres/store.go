// Package postgres provides a kv.Store backed by PostgreSQL.
//
// Values live in the cloudkv_values table and are written through
// immediately. External changes arrive over LISTEN/NOTIFY: whoever replicates
// data into the table (a cloud sync agent, another region, an operator using
// `cloudkv notify`) publishes an encoded kv.ChangeEvent on the change channel
// and the store delivers it to subscribers. Payloads without an integer reason
// code are dropped. The listener reconnects with exponential backoff.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/cloudkv/internal/kv"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "cloudkv_changes"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for listener diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithChannel sets the LISTEN/NOTIFY channel name.
func WithChannel(channel string) Option {
	return func(s *Store) {
		s.channel = channel
	}
}

// WithMaxConns sets the maximum size of the connection pool.
func WithMaxConns(n int32) Option {
	return func(s *Store) {
		s.maxConns = n
	}
}

// Store is a PostgreSQL-backed kv.Store.
type Store struct {
	kv.Notifier

	connString string
	channel    string
	maxConns   int32
	logger     *slog.Logger

	pool *pgxpool.Pool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ kv.Store = (*Store)(nil)

// Open connects to the database, applies migrations and starts listening for
// change notifications. Open returns once the first LISTEN is active.
func Open(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	s := &Store{
		connString: connString,
		channel:    DefaultChannel,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if s.maxConns > 0 {
		poolCfg.MaxConns = s.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(connString); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool

	listener, err := s.connectListener(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(runCtx, listener)

	return s, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	var raw string
	err := s.pool.QueryRow(ctx, "SELECT value::text FROM cloudkv_values WHERE key = $1", key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	v, err := kv.Decode([]byte(raw))
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cloudkv_values (key, value, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Remove implements kv.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM cloudkv_values WHERE key = $1", key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT key FROM cloudkv_values ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Synchronize implements kv.Store. Writes are already durable, so this only
// verifies the database is reachable.
func (s *Store) Synchronize(ctx context.Context) bool {
	if err := s.pool.Ping(ctx); err != nil {
		s.logger.Warn("Postgres store synchronize failed", "error", err)
		return false
	}
	return true
}

// Publish sends ev on the change channel. Every store listening on the
// channel, including this one, delivers it to its subscribers.
func (s *Store) Publish(ctx context.Context, ev kv.ChangeEvent) error {
	payload, err := kv.EncodeChangeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Close stops the listener and closes the pool. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.pool.Close()
	})
	return nil
}

func (s *Store) connectListener(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to listen on channel %s: %w", s.channel, err)
	}
	return conn, nil
}

func (s *Store) listen(ctx context.Context, conn *pgx.Conn) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	for {
		if conn != nil {
			err := s.receive(ctx, conn)
			_ = conn.Close(context.Background())
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Change listener disconnected", "channel", s.channel, "error", err)
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		var err error
		conn, err = s.connectListener(ctx)
		if err != nil {
			s.logger.Warn("Failed to reconnect change listener", "channel", s.channel, "error", err)
			continue
		}
		b.Reset()
		s.logger.Info("Change listener reconnected", "channel", s.channel)
	}
}

func (s *Store) receive(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := kv.DecodeChangeEvent([]byte(n.Payload))
		if err != nil {
			s.logger.Debug("Ignoring malformed change notification", "channel", n.Channel, "error", err)
			continue
		}
		s.Post(ev)
	}
}
