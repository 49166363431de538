// Package storage creates the key-value backend selected by the configuration,
// together with the storage used for sync status.
package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/status"
)

//go:generate mockgen -destination=mocks/mock_factory.go -package=mocks -source=factory.go Factory

// Factory creates the storage-dependent components of the application.
type Factory interface {
	// Type returns the configured storage type.
	Type() string

	// CreateStore opens the key-value backend. The caller owns the returned
	// store and must close it.
	CreateStore(ctx context.Context) (kv.Store, error)

	// CreateStatusPersistence returns where sync status is saved, or nil when
	// status is kept in memory only.
	CreateStatusPersistence() status.StatusPersistence
}

// NewStorageFactory returns the factory for the configured storage type.
func NewStorageFactory(cfg *config.Config) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.Storage.GetType() {
	case config.StorageTypePostgres:
		return NewDatabaseFactory(cfg)
	case config.StorageTypeMemory, config.StorageTypeFile, config.StorageTypeSQLite:
		return NewLocalFactory(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.GetType())
	}
}

func newStatusPersistence(cfg *config.Config) status.StatusPersistence {
	if cfg.StatusDir == "" {
		return nil
	}
	return status.NewFileStatusPersistence(cfg.StatusDir)
}
