package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/postgres"
	"github.com/stacklok/cloudkv/internal/status"
)

// DatabaseFactory creates the PostgreSQL backend.
type DatabaseFactory struct {
	config *config.Config
}

var _ Factory = (*DatabaseFactory)(nil)

// NewDatabaseFactory creates a factory for the postgres backend.
func NewDatabaseFactory(cfg *config.Config) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Storage.Postgres == nil {
		return nil, fmt.Errorf("postgres configuration is required for postgres storage type")
	}
	return &DatabaseFactory{config: cfg}, nil
}

// Type implements Factory.
func (*DatabaseFactory) Type() string {
	return config.StorageTypePostgres
}

// CreateStore connects to the database. Migrations are applied by the store.
func (f *DatabaseFactory) CreateStore(ctx context.Context) (kv.Store, error) {
	db := f.config.Storage.Postgres

	connString, err := db.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	opts := []postgres.Option{}
	if db.MaxOpenConns > 0 {
		opts = append(opts, postgres.WithMaxConns(db.MaxOpenConns))
	}
	if db.Channel != "" {
		opts = append(opts, postgres.WithChannel(db.Channel))
	}

	slog.Info("Connecting to postgres store", "host", db.Host, "port", db.Port, "database", db.Database)
	store, err := postgres.Open(ctx, connString, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return store, nil
}

// CreateStatusPersistence implements Factory.
func (f *DatabaseFactory) CreateStatusPersistence() status.StatusPersistence {
	return newStatusPersistence(f.config)
}
