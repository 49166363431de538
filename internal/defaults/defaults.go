// Package defaults provides typed access to a cloud-mirrored key-value store
// together with the initial cloud sync coordinator for that store.
//
// Getters never fail because a key is missing or holds a value of another
// type: they return the supplied default instead. They only return an error
// when the underlying store fails.
package defaults

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/status"
	"github.com/stacklok/cloudkv/internal/sync/coordinator"
	"github.com/stacklok/cloudkv/internal/sync/state"
)

// ErrReservedKey is returned when a client writes under the reserved key prefix.
var ErrReservedKey = errors.New("key uses reserved prefix " + state.ReservedKeyPrefix)

// Defaults is a typed view over a store. It owns the store and its coordinator.
type Defaults struct {
	store       kv.Store
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
}

// New wraps store and creates its coordinator with opts.
func New(store kv.Store, opts ...coordinator.Option) *Defaults {
	return &Defaults{
		store:       store,
		coordinator: coordinator.New(store, opts...),
		logger:      slog.Default(),
	}
}

// Sync flushes the store and waits for initial cloud sync if it has not
// happened yet. See coordinator.Coordinator.SyncWithCloud.
func (d *Defaults) Sync(ctx context.Context) error {
	return d.coordinator.SyncWithCloud(ctx)
}

// Flush asks the store to make local changes durable without waiting for
// cloud sync. It reports whether the store accepted the request.
func (d *Defaults) Flush(ctx context.Context) bool {
	return d.store.Synchronize(ctx)
}

// SyncStatus reports the outcome of the last Sync.
func (d *Defaults) SyncStatus() status.SyncStatus {
	return d.coordinator.Status()
}

// Subscribe registers listener for external change events on the store.
func (d *Defaults) Subscribe(listener kv.Listener) kv.Subscription {
	return d.store.Subscribe(listener)
}

// Close unsubscribes the coordinator and closes the store.
func (d *Defaults) Close() error {
	return errors.Join(d.coordinator.Close(), d.store.Close())
}

// Keys lists the client visible keys, sorted.
func (d *Defaults) Keys(ctx context.Context) ([]string, error) {
	keys, err := d.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return slices.DeleteFunc(keys, state.IsReservedKey), nil
}

// Value returns the raw value stored under key.
func (d *Defaults) Value(ctx context.Context, key string) (any, bool, error) {
	if state.IsReservedKey(key) {
		return nil, false, nil
	}
	value, ok, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, ok, nil
}

// SetValue stores any supported value under key.
func (d *Defaults) SetValue(ctx context.Context, key string, value any) error {
	if state.IsReservedKey(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	if err := d.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (d *Defaults) Remove(ctx context.Context, key string) error {
	if state.IsReservedKey(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	if err := d.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// typed fetches key and converts it with conv, falling back to def.
func typed[T any](ctx context.Context, d *Defaults, key string, def T, conv func(any) (T, bool)) (T, error) {
	value, ok, err := d.Value(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	out, ok := conv(value)
	if !ok {
		d.logger.Debug("Stored value has unexpected type, using default", "key", key, "type", fmt.Sprintf("%T", value))
		return def, nil
	}
	return out, nil
}

func assertType[T any](v any) (T, bool) {
	out, ok := v.(T)
	return out, ok
}

// Bool returns the bool stored under key, or def.
func (d *Defaults) Bool(ctx context.Context, key string, def bool) (bool, error) {
	return typed(ctx, d, key, def, assertType[bool])
}

// Int returns the integer stored under key, or def.
func (d *Defaults) Int(ctx context.Context, key string, def int64) (int64, error) {
	return typed(ctx, d, key, def, assertType[int64])
}

// Double returns the number stored under key, or def. Integers are widened.
func (d *Defaults) Double(ctx context.Context, key string, def float64) (float64, error) {
	return typed(ctx, d, key, def, func(v any) (float64, bool) {
		switch n := v.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		default:
			return 0, false
		}
	})
}

// String returns the string stored under key, or def.
func (d *Defaults) String(ctx context.Context, key string, def string) (string, error) {
	return typed(ctx, d, key, def, assertType[string])
}

// Data returns the bytes stored under key, or def.
func (d *Defaults) Data(ctx context.Context, key string, def []byte) ([]byte, error) {
	return typed(ctx, d, key, def, assertType[[]byte])
}

// Array returns the array stored under key, or def.
func (d *Defaults) Array(ctx context.Context, key string, def []any) ([]any, error) {
	return typed(ctx, d, key, def, assertType[[]any])
}

// Dictionary returns the dictionary stored under key, or def.
func (d *Defaults) Dictionary(ctx context.Context, key string, def map[string]any) (map[string]any, error) {
	return typed(ctx, d, key, def, assertType[map[string]any])
}

// StringSet returns the string set stored under key, or def. The result is
// sorted and free of duplicates. Arrays holding anything but strings are not
// sets.
func (d *Defaults) StringSet(ctx context.Context, key string, def []string) ([]string, error) {
	return typed(ctx, d, key, def, func(v any) ([]string, bool) {
		items, ok := v.([]any)
		if !ok {
			return nil, false
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return normalizeSet(out), true
	})
}

// SetBool stores a bool under key.
func (d *Defaults) SetBool(ctx context.Context, key string, value bool) error {
	return d.SetValue(ctx, key, value)
}

// SetInt stores an integer under key.
func (d *Defaults) SetInt(ctx context.Context, key string, value int64) error {
	return d.SetValue(ctx, key, value)
}

// SetDouble stores a number under key.
func (d *Defaults) SetDouble(ctx context.Context, key string, value float64) error {
	return d.SetValue(ctx, key, value)
}

// SetString stores a string under key.
func (d *Defaults) SetString(ctx context.Context, key string, value string) error {
	return d.SetValue(ctx, key, value)
}

// SetData stores bytes under key.
func (d *Defaults) SetData(ctx context.Context, key string, value []byte) error {
	return d.SetValue(ctx, key, value)
}

// SetArray stores an array under key.
func (d *Defaults) SetArray(ctx context.Context, key string, value []any) error {
	return d.SetValue(ctx, key, value)
}

// SetDictionary stores a dictionary under key.
func (d *Defaults) SetDictionary(ctx context.Context, key string, value map[string]any) error {
	return d.SetValue(ctx, key, value)
}

// SetStringSet stores value as a sorted array without duplicates.
func (d *Defaults) SetStringSet(ctx context.Context, key string, value []string) error {
	return d.SetValue(ctx, key, normalizeSet(value))
}

func normalizeSet(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
