// Package status provides initial-sync status reporting and persistence.
//
// The status is operational metadata for humans and dashboards. The
// authoritative completion flag lives inside the key-value store itself.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StatusFileName is the name of the status file
	StatusFileName = "sync-status.json"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of the named store
	SaveStatus(ctx context.Context, storeName string, status *SyncStatus) error

	// LoadStatus loads the sync status of the named store.
	// Returns an empty SyncStatus if nothing has been saved yet.
	LoadStatus(ctx context.Context, storeName string) (*SyncStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// Each store gets its own directory under basePath.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

// SaveStatus writes the status atomically to <basePath>/<storeName>/sync-status.json
func (f *fileStatusPersistence) SaveStatus(_ context.Context, storeName string, status *SyncStatus) error {
	storeDir := filepath.Join(f.basePath, storeName)
	if err := os.MkdirAll(storeDir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory for store '%s': %w", storeName, err)
	}

	filePath := filepath.Join(storeDir, StatusFileName)

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status for store '%s': %w", storeName, err)
	}

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for store '%s': %w", storeName, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for store '%s': %w", storeName, err)
	}

	return nil
}

// LoadStatus reads the status saved for storeName
func (f *fileStatusPersistence) LoadStatus(_ context.Context, storeName string) (*SyncStatus, error) {
	filePath := filepath.Join(f.basePath, storeName, StatusFileName)

	// #nosec G304 -- filePath is built from the configured base path and store name
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for store '%s': %w", storeName, err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status for store '%s': %w", storeName, err)
	}

	return &status, nil
}
