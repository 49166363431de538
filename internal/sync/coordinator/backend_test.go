package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/file"
	"github.com/stacklok/cloudkv/internal/kv/sqlite"
	"github.com/stacklok/cloudkv/internal/status"
)

// backend opens stores over one shared location. local stores run their
// watcher, replicas write as another process would.
type backend struct {
	name        string
	openLocal   func(t *testing.T, path string) kv.Store
	openReplica func(t *testing.T, path string) kv.Store
	fileName    string
}

func backends() []backend {
	return []backend{
		{
			name:     "file",
			fileName: "values.json",
			openLocal: func(t *testing.T, path string) kv.Store {
				t.Helper()
				s, err := file.Open(path, file.WithWatchInterval(10*time.Millisecond))
				require.NoError(t, err)
				return s
			},
			openReplica: func(t *testing.T, path string) kv.Store {
				t.Helper()
				s, err := file.Open(path, file.WithWatchInterval(0))
				require.NoError(t, err)
				return s
			},
		},
		{
			name:     "sqlite",
			fileName: "values.db",
			openLocal: func(t *testing.T, path string) kv.Store {
				t.Helper()
				s, err := sqlite.Open(context.Background(), path, sqlite.WithWatchInterval(10*time.Millisecond))
				require.NoError(t, err)
				return s
			},
			openReplica: func(t *testing.T, path string) kv.Store {
				t.Helper()
				s, err := sqlite.Open(context.Background(), path, sqlite.WithWatchInterval(0))
				require.NoError(t, err)
				return s
			},
		},
	}
}

// replicate writes values through a separate store, the way a cloud agent
// syncing the same location would, and closes it.
func replicate(t *testing.T, b backend, path string, values map[string]any) {
	t.Helper()
	ctx := context.Background()
	replica := b.openReplica(t, path)
	for k, v := range values {
		assert.NoError(t, replica.Set(ctx, k, v))
	}
	assert.True(t, replica.Synchronize(ctx))
	assert.NoError(t, replica.Close())
}

func TestSyncWithCloud_Backends_ReplicatedWriteCompletesWaitEarly(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), b.fileName)

			local := b.openLocal(t, path)
			c, _ := newTestCoordinator(t, local,
				WithPollInterval(20*time.Millisecond),
				WithTimeout(2*time.Second),
			)

			done := make(chan struct{})
			start := time.Now()
			timer := time.AfterFunc(80*time.Millisecond, func() {
				defer close(done)
				replicate(t, b, path, map[string]any{"theme": "dark"})
			})
			defer timer.Stop()

			require.NoError(t, c.SyncWithCloud(ctx))
			elapsed := time.Since(start)
			<-done

			assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
			assert.Less(t, elapsed, 2*time.Second, "must return before the timeout")
			assert.Equal(t, status.SyncPhaseComplete, c.Status().Phase)

			v, ok, err := local.Get(ctx, "theme")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "dark", v)

			require.NoError(t, c.Close())
			require.NoError(t, local.Close())

			// A later process finds the flag and does not wait
			reopened := b.openLocal(t, path)
			defer func() { _ = reopened.Close() }()
			assert.True(t, durableFlag(t, reopened))

			next, ticks := newTestCoordinator(t, reopened,
				WithPollInterval(20*time.Millisecond),
				WithTimeout(2*time.Second),
			)
			start = time.Now()
			require.NoError(t, next.SyncWithCloud(ctx))
			assert.Less(t, time.Since(start), time.Second)
			assert.Zero(t, ticks.Load())
			assert.Equal(t, status.SyncPhaseAlreadyComplete, next.Status().Phase)
		})
	}
}

func TestSyncWithCloud_Backends_CompletionBeforeCallIsDurable(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), b.fileName)

			local := b.openLocal(t, path)
			defer func() { _ = local.Close() }()
			c, _ := newTestCoordinator(t, local, WithTimeout(2*time.Second))

			replicate(t, b, path, map[string]any{"theme": "dark"})
			require.Eventually(t, c.InitialSyncCompleted, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, c.SyncWithCloud(ctx))
			assert.Equal(t, status.SyncPhaseAlreadyComplete, c.Status().Phase)

			// The flag is on disk while the local store is still open
			observer := b.openReplica(t, path)
			defer func() { _ = observer.Close() }()
			assert.True(t, durableFlag(t, observer))
		})
	}
}

func TestSyncWithCloud_Backends_TimesOutWithoutReplication(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), b.fileName)

			// Data already present at Open and local writes are not replicated changes
			replicate(t, b, path, map[string]any{"theme": "dark"})

			local := b.openLocal(t, path)
			defer func() { _ = local.Close() }()
			c, _ := newTestCoordinator(t, local,
				WithPollInterval(20*time.Millisecond),
				WithTimeout(150*time.Millisecond),
			)

			require.NoError(t, local.Set(ctx, "volume", 3))
			require.NoError(t, c.SyncWithCloud(ctx))
			assert.Equal(t, status.SyncPhaseTimedOut, c.Status().Phase)
			assert.False(t, durableFlag(t, local))
		})
	}
}
