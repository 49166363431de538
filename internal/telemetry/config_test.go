package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/cloudkv/internal/versions"
)

func TestConfig_Getters(t *testing.T) {
	t.Parallel()

	empty := &Config{}
	assert.Equal(t, DefaultServiceName, empty.GetServiceName())
	assert.Equal(t, versions.Version, empty.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, empty.GetEndpoint())
	assert.False(t, empty.GetInsecure())

	custom := &Config{
		ServiceName:    "cloudkv-edge",
		ServiceVersion: "1.4.0",
		Endpoint:       "otel-collector:4318",
		Insecure:       true,
	}
	assert.Equal(t, "cloudkv-edge", custom.GetServiceName())
	assert.Equal(t, "1.4.0", custom.GetServiceVersion())
	assert.Equal(t, "otel-collector:4318", custom.GetEndpoint())
	assert.True(t, custom.GetInsecure())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config *Config
		errMsg string
	}{
		{name: "nil config", config: nil},
		{name: "disabled telemetry skips section checks", config: &Config{
			Tracing: &TracingConfig{Enabled: true, Sampling: 7},
		}},
		{name: "full config", config: &Config{
			Enabled:  true,
			Endpoint: "localhost:4318",
			Tracing:  &TracingConfig{Enabled: true, Sampling: 0.5},
			Metrics:  &MetricsConfig{Enabled: true, Exporter: ExporterPrometheus},
		}},
		{name: "disabled tracing is not validated", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: false, Sampling: -1},
		}},
		{name: "unset sampling uses default", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true},
		}},
		{name: "sampling above one", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 1.1},
		}, errMsg: "tracing: sampling must be between 0.0 and 1.0"},
		{name: "negative sampling", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: -0.1},
		}, errMsg: "tracing: sampling must be between 0.0 and 1.0"},
		{name: "unknown metrics exporter", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Exporter: "statsd"},
		}, errMsg: `metrics: exporter must be "otlp" or "prometheus", got "statsd"`},
		{name: "both sections invalid", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 2},
			Metrics: &MetricsConfig{Enabled: true, Exporter: "statsd"},
		}, errMsg: "tracing: sampling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTracingConfig_GetSampling(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, DefaultSampling, (&TracingConfig{Enabled: true}).GetSampling(), 0)
	assert.InDelta(t, 0.5, (&TracingConfig{Sampling: 0.5}).GetSampling(), 0)
	assert.InDelta(t, 1.0, (&TracingConfig{Sampling: 1}).GetSampling(), 0)
}

func TestMetricsConfig_GetExporter(t *testing.T) {
	t.Parallel()

	var nilCfg *MetricsConfig
	assert.Equal(t, ExporterOTLP, nilCfg.GetExporter())
	assert.Equal(t, ExporterOTLP, (&MetricsConfig{}).GetExporter())
	assert.Equal(t, ExporterPrometheus, (&MetricsConfig{Exporter: ExporterPrometheus}).GetExporter())
}
