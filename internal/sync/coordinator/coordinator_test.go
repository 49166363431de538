package coordinator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/memory"
	kvmocks "github.com/stacklok/cloudkv/internal/kv/mocks"
	"github.com/stacklok/cloudkv/internal/status"
)

type countingSubscription struct {
	unsubscribed int
}

func (s *countingSubscription) Unsubscribe() {
	s.unsubscribed++
}

func TestCoordinator_New(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		opts             []Option
		expectedInterval time.Duration
		expectedTimeout  time.Duration
		expectedLevel    slog.Level
	}{
		{
			name:             "defaults",
			expectedInterval: 250 * time.Millisecond,
			expectedTimeout:  5 * time.Second,
			expectedLevel:    slog.LevelInfo,
		},
		{
			name:             "explicit options",
			opts:             []Option{WithPollInterval(10 * time.Millisecond), WithTimeout(time.Second), WithLogLevel(slog.LevelDebug)},
			expectedInterval: 10 * time.Millisecond,
			expectedTimeout:  time.Second,
			expectedLevel:    slog.LevelDebug,
		},
		{
			name:             "non-positive durations keep defaults",
			opts:             []Option{WithPollInterval(0), WithTimeout(-time.Second)},
			expectedInterval: DefaultPollInterval,
			expectedTimeout:  DefaultTimeout,
			expectedLevel:    DefaultLogLevel,
		},
		{
			name: "from config",
			opts: OptionsFromConfig(&config.SyncConfig{
				PollInterval: "75ms",
				Timeout:      "2s",
				LogLevel:     "warn",
			}),
			expectedInterval: 75 * time.Millisecond,
			expectedTimeout:  2 * time.Second,
			expectedLevel:    slog.LevelWarn,
		},
		{
			name:             "from nil config",
			opts:             OptionsFromConfig(nil),
			expectedInterval: DefaultPollInterval,
			expectedTimeout:  DefaultTimeout,
			expectedLevel:    DefaultLogLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := New(memory.New(), tt.opts...)
			defer func() { _ = c.Close() }()

			assert.Equal(t, tt.expectedInterval, c.pollInterval)
			assert.Equal(t, tt.expectedTimeout, c.timeout)
			assert.Equal(t, tt.expectedLevel, c.logLevel)
			assert.NotNil(t, c.state)
			assert.True(t, c.Subscribed())
		})
	}
}

func TestCoordinator_SubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := New(store)
	assert.Equal(t, 1, store.Len(), "constructor subscribes")

	c.Subscribe()
	assert.Equal(t, 1, store.Len(), "subscribing twice registers once")

	c.Unsubscribe()
	assert.Equal(t, 0, store.Len())
	assert.False(t, c.Subscribed())

	c.Unsubscribe()
	assert.Equal(t, 0, store.Len(), "unsubscribing twice is a no-op")

	c.Subscribe()
	assert.Equal(t, 1, store.Len())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, store.Len())

	c.Subscribe()
	assert.Equal(t, 0, store.Len(), "closed coordinator does not resubscribe")
}

func TestCoordinator_CloseUnsubscribesExactlyOnce(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sub := &countingSubscription{}
	mockStore := kvmocks.NewMockStore(ctrl)
	mockStore.EXPECT().Subscribe(gomock.Any()).Return(sub).Times(1)

	c := New(mockStore)
	c.Subscribe()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	c.Unsubscribe()

	assert.Equal(t, 1, sub.unsubscribed)
}

func TestCoordinator_HandlerOnlyReactsToInitialSync(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := New(store)
	defer func() { _ = c.Close() }()

	ignored := []kv.ChangeReason{
		kv.ReasonServerChange,
		kv.ReasonQuotaViolationChange,
		kv.ReasonAccountChange,
		kv.ChangeReason(42),
		kv.ChangeReason(-1),
	}
	for _, reason := range ignored {
		require.NoError(t, store.ApplyExternalChange(reason, map[string]any{"k": 1}))
		assert.False(t, c.InitialSyncCompleted(), "reason %s must not complete initial sync", reason)
	}

	select {
	case <-c.completedCh:
		t.Fatal("completion signal fired for an ignored reason")
	default:
	}

	require.NoError(t, store.ApplyExternalChange(kv.ReasonInitialSyncChange, nil))
	assert.True(t, c.InitialSyncCompleted())

	select {
	case <-c.completedCh:
	default:
		t.Fatal("completion signal did not fire")
	}

	// Repeated sentinels are harmless
	require.NoError(t, store.ApplyExternalChange(kv.ReasonInitialSyncChange, nil))
	assert.True(t, c.InitialSyncCompleted())
}

func TestCoordinator_UnsubscribedMissesEvents(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := New(store)
	c.Unsubscribe()

	require.NoError(t, store.ApplyExternalChange(kv.ReasonInitialSyncChange, nil))
	assert.False(t, c.InitialSyncCompleted())
}

func TestCoordinator_StatusPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	persistence := status.NewFileStatusPersistence(t.TempDir())
	store := memory.New()

	c := New(store,
		WithPollInterval(5*time.Millisecond),
		WithTimeout(20*time.Millisecond),
		WithStatusPersistence(persistence, "prefs"),
	)
	require.NoError(t, c.SyncWithCloud(ctx))
	require.NoError(t, c.Close())

	saved, err := persistence.LoadStatus(ctx, "prefs")
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseTimedOut, saved.Phase)
	assert.Equal(t, 1, saved.AttemptCount)
	assert.True(t, saved.Subscribed)

	// A new coordinator picks up where the last one left off
	reopened := New(store, WithStatusPersistence(persistence, "prefs"))
	defer func() { _ = reopened.Close() }()

	st := reopened.Status()
	assert.Equal(t, status.SyncPhaseTimedOut, st.Phase)
	assert.Equal(t, 1, st.AttemptCount)
	assert.True(t, st.Subscribed)
	assert.False(t, st.InitialSyncCompleted)
}
