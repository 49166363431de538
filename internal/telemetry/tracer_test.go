package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTracerProvider_NoOp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []TracerProviderOption
	}{
		{name: "no tracing config"},
		{
			name: "tracing disabled",
			opts: []TracerProviderOption{WithTracingConfig(&TracingConfig{Enabled: false})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp, err := NewTracerProvider(context.Background(), tt.opts...)
			require.NoError(t, err)
			assert.IsType(t, noop.TracerProvider{}, tp)
		})
	}
}

func TestNewTracerProvider_ExportsSpans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewTracerProvider(ctx,
		WithTracingConfig(&TracingConfig{Enabled: true, Sampling: 1.0}),
		WithTracerServiceName("cloudkv-test"),
		WithTracerServiceVersion("1.2.3"),
		WithSpanExporter(exporter),
	)
	require.NoError(t, err)

	sdkTP, ok := tp.(*sdktrace.TracerProvider)
	require.True(t, ok, "expected SDK tracer provider")

	_, span := sdkTP.Tracer("test").Start(ctx, "coordinator.SyncWithCloud")
	span.End()
	require.NoError(t, sdkTP.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "coordinator.SyncWithCloud", spans[0].Name)

	attrs := spans[0].Resource.Set()
	name, ok := attrs.Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "cloudkv-test", name.AsString())
	version, ok := attrs.Value(attribute.Key("service.version"))
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())

	require.NoError(t, sdkTP.Shutdown(ctx))
}

func TestTracerProviderOptions(t *testing.T) {
	t.Parallel()

	tracingCfg := &TracingConfig{Enabled: true}
	exporter := tracetest.NewInMemoryExporter()

	cfg := &tracerProviderConfig{}
	for _, opt := range []TracerProviderOption{
		WithTracerServiceName("cloudkv-edge"),
		WithTracerServiceVersion("2.0.0"),
		WithTracingConfig(tracingCfg),
		WithTracerEndpoint("collector.example.com:4318"),
		WithTracerInsecure(true),
		WithSpanExporter(exporter),
	} {
		opt(cfg)
	}

	assert.Equal(t, "cloudkv-edge", cfg.serviceName)
	assert.Equal(t, "2.0.0", cfg.serviceVersion)
	assert.Same(t, tracingCfg, cfg.tracingConfig)
	assert.Equal(t, "collector.example.com:4318", cfg.endpoint)
	assert.True(t, cfg.insecure)
	assert.Equal(t, exporter, cfg.exporter)
}
