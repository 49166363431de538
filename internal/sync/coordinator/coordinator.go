package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/status"
	"github.com/stacklok/cloudkv/internal/sync/state"
	"github.com/stacklok/cloudkv/internal/telemetry"
)

// Coordinator flushes a store and waits for its initial cloud sync.
// It is safe for concurrent use.
type Coordinator struct {
	store kv.Store
	state state.InitialSyncState

	pollInterval time.Duration
	timeout      time.Duration
	logLevel     slog.Level
	logger       *slog.Logger

	syncMetrics       *telemetry.SyncMetrics
	tracer            trace.Tracer
	statusPersistence status.StatusPersistence
	storeName         string

	// subMu guards sub and closed
	subMu  sync.Mutex
	sub    kv.Subscription
	closed bool

	// initialSyncCompleted is the in-memory flag. completedCh is closed the
	// first time it becomes true.
	initialSyncCompleted atomic.Bool
	completedOnce        sync.Once
	completedCh          chan struct{}

	statusMu   sync.RWMutex
	lastStatus status.SyncStatus

	// onPollTick is called once per poll iteration. Tests use it to count
	// iterations.
	onPollTick func()
}

// New creates a coordinator for store and subscribes to its change events.
// It never blocks on the store. The caller must call Close when done.
func New(store kv.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		logLevel:     DefaultLogLevel,
		logger:       slog.Default(),
		completedCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.state == nil {
		c.state = state.NewStoreState(store)
	}

	c.loadStatus()
	c.Subscribe()

	return c
}

// Subscribe registers the change handler with the store. Calling it while
// already subscribed, or after Close, does nothing.
func (c *Coordinator) Subscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.sub != nil || c.closed {
		return
	}
	c.sub = c.store.Subscribe(c.handleChange)
	c.logger.Debug("Subscribed to store change events")
}

// Unsubscribe removes the change handler. It is safe to call when not subscribed.
func (c *Coordinator) Unsubscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.unsubscribeLocked()
}

func (c *Coordinator) unsubscribeLocked() {
	if c.sub == nil {
		return
	}
	c.sub.Unsubscribe()
	c.sub = nil
	c.logger.Debug("Unsubscribed from store change events")
}

// Subscribed reports whether the change handler is registered.
func (c *Coordinator) Subscribed() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	return c.sub != nil
}

// Close unsubscribes for good. The store itself is not closed. Close is
// safe to call more than once.
func (c *Coordinator) Close() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.unsubscribeLocked()
	return nil
}

// InitialSyncCompleted reports the in-memory flag.
func (c *Coordinator) InitialSyncCompleted() bool {
	return c.initialSyncCompleted.Load()
}

// Status returns the status of the most recent SyncWithCloud call together
// with the current flag and subscription state.
func (c *Coordinator) Status() status.SyncStatus {
	c.statusMu.RLock()
	s := c.lastStatus
	c.statusMu.RUnlock()

	s.InitialSyncCompleted = c.InitialSyncCompleted()
	s.Subscribed = c.Subscribed()
	return s
}

// handleChange runs on the store's delivery goroutine and must not block.
func (c *Coordinator) handleChange(ev kv.ChangeEvent) {
	if ev.Reason != kv.ReasonInitialSyncChange {
		c.logger.Debug("Ignoring store change event", "reason", ev.Reason.String(), "keys", len(ev.Keys))
		return
	}
	c.logger.Log(context.Background(), c.logLevel, "Store reported initial cloud sync completed")
	c.markCompletedInMemory()
}

func (c *Coordinator) markCompletedInMemory() {
	c.initialSyncCompleted.Store(true)
	c.completedOnce.Do(func() {
		close(c.completedCh)
	})
}

func (c *Coordinator) loadStatus() {
	if c.statusPersistence == nil {
		return
	}
	saved, err := c.statusPersistence.LoadStatus(context.Background(), c.storeName)
	if err != nil {
		c.logger.Warn("Failed to load sync status", "store", c.storeName, "error", err)
		return
	}
	c.lastStatus = *saved
}

func (c *Coordinator) recordStatus(ctx context.Context, update func(s *status.SyncStatus)) {
	c.statusMu.Lock()
	update(&c.lastStatus)
	c.lastStatus.InitialSyncCompleted = c.InitialSyncCompleted()
	snapshot := c.lastStatus
	c.statusMu.Unlock()

	if c.statusPersistence == nil {
		return
	}
	snapshot.Subscribed = c.Subscribed()
	if err := c.statusPersistence.SaveStatus(ctx, c.storeName, &snapshot); err != nil {
		c.logger.Warn("Failed to save sync status", "store", c.storeName, "error", err)
	}
}
