// Package state contains the initial-sync state the coordinator persists.
//
// The completion flag is stored inside the key-value store it describes, under
// a reserved key, so it survives restarts and replicates with the rest of the
// data.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/cloudkv/internal/kv"
)

const (
	// ReservedKeyPrefix is the key namespace reserved for cloudkv's own bookkeeping.
	// Client keys must not start with it.
	ReservedKeyPrefix = "__cloudkv."

	// InitialSyncCompletedKey holds the durable initial-sync completion flag
	InitialSyncCompletedKey = ReservedKeyPrefix + "initialCloudSyncCompleted"
)

// ErrFlushRejected is returned by MarkCompleted when the store wrote the flag
// but refused to make it durable.
var ErrFlushRejected = errors.New("store rejected flush of initial sync flag")

// IsReservedKey reports whether key falls in the reserved namespace.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, ReservedKeyPrefix)
}

// InitialSyncState provides access to the durable initial-sync flag.
//
//go:generate mockgen -destination=mocks/mock_initial_sync_state.go -package=mocks github.com/stacklok/cloudkv/internal/sync/state InitialSyncState
type InitialSyncState interface {
	// Completed reports whether initial sync has been durably recorded as complete.
	Completed(ctx context.Context) (bool, error)
	// MarkCompleted durably records that initial sync completed: the flag is
	// written and then flushed, and a rejected flush is an error. It is safe
	// to call more than once.
	MarkCompleted(ctx context.Context) error
}

type storeState struct {
	store kv.Store
}

// NewStoreState creates an InitialSyncState kept under InitialSyncCompletedKey in store.
func NewStoreState(store kv.Store) InitialSyncState {
	return &storeState{store: store}
}

func (s *storeState) Completed(ctx context.Context) (bool, error) {
	v, ok, err := s.store.Get(ctx, InitialSyncCompletedKey)
	if err != nil {
		return false, fmt.Errorf("failed to read initial sync flag: %w", err)
	}
	if !ok {
		return false, nil
	}
	// Anything other than a bool, including a replicated value of another
	// type, counts as not completed
	completed, _ := v.(bool)
	return completed, nil
}

func (s *storeState) MarkCompleted(ctx context.Context) error {
	if err := s.store.Set(ctx, InitialSyncCompletedKey, true); err != nil {
		return fmt.Errorf("failed to write initial sync flag: %w", err)
	}
	if !s.store.Synchronize(ctx) {
		return ErrFlushRejected
	}
	return nil
}
