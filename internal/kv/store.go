// Package kv defines the key-value primitive that cloudkv is built on.
//
// A Store is a durable, possibly cloud-backed map from string keys to
// property-list style values (bool, int64, float64, string, []byte, []any,
// map[string]any). Writes may be buffered locally until Synchronize is called.
// Changes made by parties outside the process, including the cloud replication
// engine, are announced to subscribers as ChangeEvents.
package kv

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/stacklok/cloudkv/internal/kv Store

var (
	// ErrClosed is returned by operations on a store that has been closed
	ErrClosed = errors.New("store is closed")

	// ErrUnsupportedValue is returned when a value cannot be represented by the store
	ErrUnsupportedValue = errors.New("unsupported value type")
)

// ChangeReason identifies why a store changed underneath the process.
type ChangeReason int

const (
	// ReasonServerChange means another device or process wrote values that are now local
	ReasonServerChange ChangeReason = 0
	// ReasonInitialSyncChange means the first download of cloud data after install finished
	ReasonInitialSyncChange ChangeReason = 1
	// ReasonQuotaViolationChange means the store exceeded its storage quota
	ReasonQuotaViolationChange ChangeReason = 2
	// ReasonAccountChange means the cloud account backing the store changed
	ReasonAccountChange ChangeReason = 3
)

// String returns the reason name used in logs and on the wire.
func (r ChangeReason) String() string {
	switch r {
	case ReasonServerChange:
		return "server-change"
	case ReasonInitialSyncChange:
		return "initial-sync"
	case ReasonQuotaViolationChange:
		return "quota-violation"
	case ReasonAccountChange:
		return "account-change"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseChangeReason converts a reason name produced by String back into a ChangeReason.
func ParseChangeReason(s string) (ChangeReason, error) {
	switch s {
	case "server-change":
		return ReasonServerChange, nil
	case "initial-sync":
		return ReasonInitialSyncChange, nil
	case "quota-violation":
		return ReasonQuotaViolationChange, nil
	case "account-change":
		return ReasonAccountChange, nil
	default:
		return 0, fmt.Errorf("unknown change reason %q", s)
	}
}

// ChangeEvent is delivered to subscribers when the store changes externally.
type ChangeEvent struct {
	Reason ChangeReason
	// Keys lists the keys that changed, when the backend knows them
	Keys []string
}

// Listener receives change events. Listeners run on the delivering goroutine
// and must not block.
type Listener func(ChangeEvent)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery to the listener. It is safe to call more than once.
	Unsubscribe()
}

// Store is the key-value primitive.
type Store interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (any, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key string, value any) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists all keys currently in the store, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Synchronize schedules pending local changes to be made durable and picks up
	// external changes. It reports whether the request was accepted; acceptance
	// does not mean replication has completed.
	Synchronize(ctx context.Context) bool
	// Subscribe registers a listener for external change events.
	Subscribe(listener Listener) Subscription
	// Close releases the store's resources.
	Close() error
}
