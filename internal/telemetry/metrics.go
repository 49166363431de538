// Package telemetry provides OpenTelemetry instrumentation for cloudkv.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// StoreMetricsMeterName is the name used for the store metrics meter
	StoreMetricsMeterName = "github.com/stacklok/cloudkv/store"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/cloudkv/sync"
)

// StoreMetrics holds the OpenTelemetry instruments for key-value store metrics
type StoreMetrics struct {
	keysTotal    metric.Int64Gauge
	changeEvents metric.Int64Counter
}

// NewStoreMetrics creates a new StoreMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStoreMetrics(provider metric.MeterProvider) (*StoreMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StoreMetricsMeterName)

	keysTotal, err := meter.Int64Gauge(
		"cloudkv_keys_total",
		metric.WithDescription("Number of keys in the store"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"cloudkv_change_events_total",
		metric.WithDescription("External change events delivered by the store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		keysTotal:    keysTotal,
		changeEvents: changeEvents,
	}, nil
}

// RecordKeysTotal records the current number of keys in a store
func (m *StoreMetrics) RecordKeysTotal(ctx context.Context, storeType string, count int64) {
	if m == nil || m.keysTotal == nil {
		return
	}

	m.keysTotal.Record(ctx, count, metric.WithAttributes(attribute.String("store", storeType)))
}

// RecordChangeEvent counts one external change event by reason
func (m *StoreMetrics) RecordChangeEvent(ctx context.Context, reason string) {
	if m == nil || m.changeEvents == nil {
		return
	}

	m.changeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SyncMetrics holds the OpenTelemetry instruments for initial-sync metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	syncsTotal   metric.Int64Counter
	pollTicks    metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"cloudkv_sync_duration_seconds",
		metric.WithDescription("Duration of SyncWithCloud calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	syncsTotal, err := meter.Int64Counter(
		"cloudkv_syncs_total",
		metric.WithDescription("Total number of SyncWithCloud calls by outcome"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	pollTicks, err := meter.Int64Counter(
		"cloudkv_sync_poll_ticks_total",
		metric.WithDescription("Poll iterations spent waiting for initial cloud sync"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		syncsTotal:   syncsTotal,
		pollTicks:    pollTicks,
	}, nil
}

// RecordSync records the duration and outcome of one SyncWithCloud call
func (m *SyncMetrics) RecordSync(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.syncDuration.Record(ctx, duration.Seconds(), attrs)
	m.syncsTotal.Add(ctx, 1, attrs)
}

// RecordPollTick counts one poll iteration
func (m *SyncMetrics) RecordPollTick(ctx context.Context) {
	if m == nil || m.pollTicks == nil {
		return
	}

	m.pollTicks.Add(ctx, 1)
}
