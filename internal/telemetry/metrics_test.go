package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectScope collects from reader and returns the metrics of the named scope.
func collectScope(t *testing.T, reader *sdkmetric.ManualReader, scopeName string) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	result := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != scopeName {
			continue
		}
		for _, m := range scope.Metrics {
			result[m.Name] = m
		}
	}
	return result
}

func TestNewStoreMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewStoreMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewStoreMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.keysTotal)
		assert.NotNil(t, metrics.changeEvents)
	})
}

func TestStoreMetrics_Record(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *StoreMetrics
		metrics.RecordKeysTotal(context.Background(), "memory", 3)
		metrics.RecordChangeEvent(context.Background(), "initial-sync")
	})

	t.Run("records gauge and counter", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewStoreMetrics(mp)
		require.NoError(t, err)

		metrics.RecordKeysTotal(context.Background(), "sqlite", 12)
		metrics.RecordChangeEvent(context.Background(), "server-change")
		metrics.RecordChangeEvent(context.Background(), "server-change")

		got := collectScope(t, reader, StoreMetricsMeterName)

		gauge, ok := got["cloudkv_keys_total"].Data.(metricdata.Gauge[int64])
		require.True(t, ok, "expected gauge data type")
		require.Len(t, gauge.DataPoints, 1)
		assert.Equal(t, int64(12), gauge.DataPoints[0].Value)

		sum, ok := got["cloudkv_change_events_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok, "expected sum data type")
		require.Len(t, sum.DataPoints, 1)
		assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	})
}

func TestNewSyncMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewSyncMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.syncDuration)
		assert.NotNil(t, metrics.syncsTotal)
		assert.NotNil(t, metrics.pollTicks)
	})
}

func TestSyncMetrics_Record(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *SyncMetrics
		metrics.RecordSync(context.Background(), "Complete", time.Second)
		metrics.RecordPollTick(context.Background())
	})

	t.Run("records duration in seconds with outcome", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)

		metrics.RecordSync(context.Background(), "TimedOut", 1500*time.Millisecond)
		metrics.RecordPollTick(context.Background())
		metrics.RecordPollTick(context.Background())
		metrics.RecordPollTick(context.Background())

		got := collectScope(t, reader, SyncMetricsMeterName)

		hist, ok := got["cloudkv_sync_duration_seconds"].Data.(metricdata.Histogram[float64])
		require.True(t, ok, "expected histogram data type")
		require.Len(t, hist.DataPoints, 1)
		assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 0.001)
		outcome, ok := hist.DataPoints[0].Attributes.Value("outcome")
		require.True(t, ok)
		assert.Equal(t, "TimedOut", outcome.AsString())

		total, ok := got["cloudkv_syncs_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, total.DataPoints, 1)
		assert.Equal(t, int64(1), total.DataPoints[0].Value)

		ticks, ok := got["cloudkv_sync_poll_ticks_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, ticks.DataPoints, 1)
		assert.Equal(t, int64(3), ticks.DataPoints[0].Value)
	})
}
