package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/cloudkv/internal/kv"
)

// createTestStore opens a store without the watcher unless opts enable it.
func createTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, append([]Option{WithWatchInterval(0)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := createTestStore(t, filepath.Join(t.TempDir(), "kv.db"))

	require.NoError(t, s.Set(ctx, "n", 5))
	require.NoError(t, s.Set(ctx, "n", 6))
	require.NoError(t, s.Set(ctx, "tags", []string{"a", "b"}))

	v, ok, err := s.Get(ctx, "n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(6), v)

	v, ok, err = s.Get(ctx, "tags")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, v)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "tags"}, keys)

	require.NoError(t, s.Remove(ctx, "n"))
	_, ok, err = s.Get(ctx, "n")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SetRejectsUnsupported(t *testing.T) {
	t.Parallel()
	s := createTestStore(t, filepath.Join(t.TempDir(), "kv.db"))

	err := s.Set(context.Background(), "k", map[int]string{})
	assert.ErrorIs(t, err, kv.ErrUnsupportedValue)
}

func TestStore_OwnWritesAreNotExternalChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := createTestStore(t, filepath.Join(t.TempDir(), "kv.db"))

	var events []kv.ChangeEvent
	sub := s.Subscribe(func(ev kv.ChangeEvent) { events = append(events, ev) })
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, "k", "v"))
	assert.True(t, s.Synchronize(ctx))
	assert.Empty(t, events)
}

func TestStore_DetectsCommitsFromOtherConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	local := createTestStore(t, path)
	var events []kv.ChangeEvent
	sub := local.Subscribe(func(ev kv.ChangeEvent) { events = append(events, ev) })
	defer sub.Unsubscribe()

	replicator := createTestStore(t, path)
	require.NoError(t, replicator.Set(ctx, "synced", true))

	require.True(t, local.Synchronize(ctx))
	require.Len(t, events, 1)
	assert.Equal(t, kv.ReasonInitialSyncChange, events[0].Reason)

	v, ok, err := local.Get(ctx, "synced")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, true, v)

	require.NoError(t, replicator.Set(ctx, "synced", false))
	require.True(t, local.Synchronize(ctx))
	require.Len(t, events, 2)
	assert.Equal(t, kv.ReasonServerChange, events[1].Reason)
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, s.Synchronize(ctx))
	_, _, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func TestStore_WatcherReportsCommitsFromOtherConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	local := createTestStore(t, path, WithWatchInterval(10*time.Millisecond))
	var mu sync.Mutex
	var events []kv.ChangeEvent
	sub := local.Subscribe(func(ev kv.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	defer sub.Unsubscribe()

	replicator := createTestStore(t, path)
	require.NoError(t, replicator.Set(ctx, "synced", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, kv.ReasonInitialSyncChange, events[0].Reason)
	mu.Unlock()

	// Synchronize after the watcher saw the commit reports nothing new
	require.True(t, local.Synchronize(ctx))
	mu.Lock()
	assert.Len(t, events, 1)
	mu.Unlock()
}

func TestStore_OwnEarlierDataIsNotForeign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	first := createTestStore(t, path)
	require.NoError(t, first.Set(ctx, "theme", "dark"))
	require.NoError(t, first.Close())

	local := createTestStore(t, path)
	var events []kv.ChangeEvent
	sub := local.Subscribe(func(ev kv.ChangeEvent) { events = append(events, ev) })
	defer sub.Unsubscribe()

	replicator := createTestStore(t, path)
	require.NoError(t, replicator.Set(ctx, "volume", 3))

	require.True(t, local.Synchronize(ctx))
	require.Len(t, events, 1)
	assert.Equal(t, kv.ReasonInitialSyncChange, events[0].Reason)
}
