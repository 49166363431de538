package coordinator

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/status"
	"github.com/stacklok/cloudkv/internal/sync/state"
	"github.com/stacklok/cloudkv/internal/telemetry"
)

const (
	// DefaultPollInterval is how often a waiting call re-checks the flag
	DefaultPollInterval = config.DefaultPollInterval

	// DefaultTimeout bounds how long a call waits for initial sync
	DefaultTimeout = config.DefaultSyncTimeout

	// DefaultLogLevel is the level of diagnostic messages
	DefaultLogLevel = slog.LevelInfo
)

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithPollInterval sets how often a waiting call re-checks the flag.
// Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithTimeout sets how long a call waits for initial sync.
// Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogLevel sets the level used for diagnostic messages such as wait
// start and timeout. Warnings are always logged at warn level.
func WithLogLevel(level slog.Level) Option {
	return func(c *Coordinator) {
		c.logLevel = level
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithState overrides where the durable completion flag is kept.
// Defaults to state.NewStoreState on the coordinated store.
func WithState(s state.InitialSyncState) Option {
	return func(c *Coordinator) {
		c.state = s
	}
}

// WithSyncMetrics sets the sync metrics for the coordinator
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.syncMetrics = metrics
	}
}

// WithTracer sets the tracer used for SyncWithCloud spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithStatusPersistence saves the status after every call under storeName.
// A previously saved status is loaded when the coordinator is created.
func WithStatusPersistence(p status.StatusPersistence, storeName string) Option {
	return func(c *Coordinator) {
		c.statusPersistence = p
		c.storeName = storeName
	}
}

// OptionsFromConfig translates the sync section of the configuration into
// coordinator options. Invalid values fall back to the defaults.
func OptionsFromConfig(cfg *config.SyncConfig) []Option {
	return []Option{
		WithPollInterval(cfg.GetPollInterval()),
		WithTimeout(cfg.GetTimeout()),
		WithLogLevel(cfg.GetLogLevel()),
	}
}
