package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/file"
	"github.com/stacklok/cloudkv/internal/kv/memory"
	"github.com/stacklok/cloudkv/internal/kv/sqlite"
	"github.com/stacklok/cloudkv/internal/status"
)

// LocalFactory creates backends that live in the process or on the local
// filesystem: memory, file and sqlite.
type LocalFactory struct {
	config *config.Config
}

var _ Factory = (*LocalFactory)(nil)

// NewLocalFactory creates a factory for the memory, file or sqlite backend.
func NewLocalFactory(cfg *config.Config) (*LocalFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	switch typ := cfg.Storage.GetType(); typ {
	case config.StorageTypeMemory, config.StorageTypeFile, config.StorageTypeSQLite:
	default:
		return nil, fmt.Errorf("storage type %s is not a local backend", typ)
	}
	return &LocalFactory{config: cfg}, nil
}

// Type implements Factory.
func (f *LocalFactory) Type() string {
	return f.config.Storage.GetType()
}

// CreateStore implements Factory.
func (f *LocalFactory) CreateStore(ctx context.Context) (kv.Store, error) {
	storage := f.config.Storage

	switch f.Type() {
	case config.StorageTypeFile:
		opts := []file.Option{}
		if storage.File.LockRetryDelay != "" {
			d, err := time.ParseDuration(storage.File.LockRetryDelay)
			if err != nil {
				return nil, fmt.Errorf("invalid lock retry delay %q: %w", storage.File.LockRetryDelay, err)
			}
			opts = append(opts, file.WithLockRetryDelay(d))
		}
		if storage.File.WatchInterval != "" {
			d, err := parseWatchInterval(storage.File.WatchInterval)
			if err != nil {
				return nil, err
			}
			opts = append(opts, file.WithWatchInterval(d))
		}
		slog.Info("Opening file store", "path", storage.File.Path)
		store, err := file.Open(storage.File.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil

	case config.StorageTypeSQLite:
		opts := []sqlite.Option{}
		if storage.SQLite.WatchInterval != "" {
			d, err := parseWatchInterval(storage.SQLite.WatchInterval)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sqlite.WithWatchInterval(d))
		}
		slog.Info("Opening sqlite store", "path", storage.SQLite.Path)
		store, err := sqlite.Open(ctx, storage.SQLite.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil

	default:
		accept := storage.Memory == nil || !storage.Memory.RejectSynchronize
		slog.Info("Using in-memory store", "synchronize_accepted", accept)
		return memory.New(memory.WithSynchronizeResult(accept)), nil
	}
}

func parseWatchInterval(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid watch interval %q: %w", value, err)
	}
	return d, nil
}

// CreateStatusPersistence implements Factory.
func (f *LocalFactory) CreateStatusPersistence() status.StatusPersistence {
	return newStatusPersistence(f.config)
}
