package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/cloudkv/internal/otel"
	"github.com/stacklok/cloudkv/internal/status"
)

const (
	// persistAttempts bounds how often a durable flag write is tried per call
	persistAttempts = 3
	// persistInitialBackoff is the delay before the first retry
	persistInitialBackoff = 50 * time.Millisecond
)

// SyncWithCloud flushes the store and, until initial cloud sync is known to
// have completed, waits up to the configured timeout for it. Flush rejection
// and timeouts are not errors. The returned error is non-nil only when ctx
// is cancelled or expires during the wait, in which case nothing is persisted.
func (c *Coordinator) SyncWithCloud(ctx context.Context) error {
	syncID := uuid.NewString()
	start := time.Now()
	logger := c.logger.With("sync_id", syncID)

	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.SyncWithCloud",
		trace.WithAttributes(otel.AttrSyncID.String(syncID)),
	)
	defer span.End()

	phase, err := c.syncWithCloud(ctx, logger)

	duration := time.Since(start)
	span.SetAttributes(otel.AttrSyncOutcome.String(string(phase)))
	otel.RecordError(span, err)
	c.syncMetrics.RecordSync(ctx, string(phase), duration)
	c.recordStatus(context.WithoutCancel(ctx), func(s *status.SyncStatus) {
		s.Phase = phase
		s.Message = phaseMessage(phase)
		s.LastAttempt = &start
		s.LastDuration = duration
		switch phase {
		case status.SyncPhaseComplete:
			now := time.Now()
			s.CompletedAt = &now
			s.AttemptCount = 0
		case status.SyncPhaseTimedOut, status.SyncPhaseCancelled:
			s.AttemptCount++
		}
	})

	return err
}

func (c *Coordinator) syncWithCloud(ctx context.Context, logger *slog.Logger) (status.SyncPhase, error) {
	if !c.store.Synchronize(ctx) {
		logger.Warn("Store rejected synchronize request, not waiting for initial cloud sync")
		return status.SyncPhaseFlushRejected, nil
	}

	// Read the flag once so the rest of this call sees a single value
	durable, err := c.state.Completed(ctx)
	if err != nil {
		logger.Warn("Failed to read durable initial sync flag, treating as incomplete", "error", err)
	}
	if durable {
		c.markCompletedInMemory()
	}

	if c.initialSyncCompleted.Load() {
		if !durable {
			// The event arrived before any call could persist it
			c.persistCompleted(ctx, logger)
		}
		logger.Debug("Initial cloud sync already completed")
		return status.SyncPhaseAlreadyComplete, nil
	}

	return c.waitForInitialSync(ctx, logger)
}

// waitForInitialSync polls the in-memory flag until it becomes true, the
// timeout passes, or ctx ends.
func (c *Coordinator) waitForInitialSync(ctx context.Context, logger *slog.Logger) (status.SyncPhase, error) {
	logger.Log(ctx, c.logLevel, "Waiting for initial cloud sync",
		"poll_interval", c.pollInterval,
		"timeout", c.timeout)

	c.recordStatus(context.WithoutCancel(ctx), func(s *status.SyncStatus) {
		s.Phase = status.SyncPhaseWaiting
		s.Message = phaseMessage(status.SyncPhaseWaiting)
	})

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.cancelled(ctx, logger)
		case <-deadline.C:
			if err := ctx.Err(); err != nil {
				return c.cancelled(ctx, logger)
			}
			if c.initialSyncCompleted.Load() {
				c.persistCompleted(ctx, logger)
				return status.SyncPhaseComplete, nil
			}
			logger.Log(ctx, c.logLevel, "Timed out waiting for initial cloud sync", "timeout", c.timeout)
			return status.SyncPhaseTimedOut, nil
		case <-c.completedCh:
		case <-ticker.C:
		}

		if c.onPollTick != nil {
			c.onPollTick()
		}
		c.syncMetrics.RecordPollTick(ctx)

		// select picks at random when ctx ended together with another case
		if err := ctx.Err(); err != nil {
			return c.cancelled(ctx, logger)
		}
		if c.initialSyncCompleted.Load() {
			c.persistCompleted(ctx, logger)
			logger.Log(ctx, c.logLevel, "Initial cloud sync completed")
			return status.SyncPhaseComplete, nil
		}
	}
}

// cancelled ends a wait whose ctx is done. The durable flag is left untouched.
func (c *Coordinator) cancelled(ctx context.Context, logger *slog.Logger) (status.SyncPhase, error) {
	logger.Log(ctx, c.logLevel, "Initial cloud sync wait cancelled", "error", ctx.Err())
	return status.SyncPhaseCancelled, ctx.Err()
}

// persistCompleted writes the durable flag, retrying transient failures.
// A write that still fails is logged; the next call retries it because the
// durable read will still report false.
func (c *Coordinator) persistCompleted(ctx context.Context, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = persistInitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.state.MarkCompleted(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(persistAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("Retrying durable initial sync flag write", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		logger.Warn("Failed to persist initial sync completion", "error", err)
	}
}

func phaseMessage(phase status.SyncPhase) string {
	switch phase {
	case status.SyncPhaseWaiting:
		return "Waiting for initial cloud sync"
	case status.SyncPhaseFlushRejected:
		return "Store rejected the synchronize request"
	case status.SyncPhaseAlreadyComplete:
		return "Initial cloud sync was already complete"
	case status.SyncPhaseComplete:
		return "Initial cloud sync completed"
	case status.SyncPhaseTimedOut:
		return "Timed out waiting for initial cloud sync"
	case status.SyncPhaseCancelled:
		return "Wait for initial cloud sync was cancelled"
	default:
		return ""
	}
}
