package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

// keepGlobals 测试结束后恢复全局 provider
func keepGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabledConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fedgate-test",
		SampleRate:   0.5,
	}
}

func TestInit_Disabled(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	p, err := Init(config.TelemetryConfig{Enabled: false}, Build{Version: "1.0.0"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.Same(t, before, otel.GetTracerProvider(), "disabled telemetry leaves the global provider alone")
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_RegistersProviders(t *testing.T) {
	keepGlobals(t)

	p, err := Init(enabledConfig(), Build{Version: "1.2.3", Resources: []string{"dataselect", "station"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
	_, isTraceContext := otel.GetTextMapPropagator().(propagation.TraceContext)
	assert.True(t, isTraceContext)
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDurationViews_UseTimeoutBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(durationViews()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	meter := mp.Meter(instrumentationName)
	granule, err := meter.Float64Histogram("fedgate.granule.duration", metric.WithUnit("s"))
	require.NoError(t, err)
	session, err := meter.Float64Histogram("fedgate.session.duration", metric.WithUnit("s"))
	require.NoError(t, err)
	granule.Record(context.Background(), 12)
	session.Record(context.Background(), 240)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	bounds := map[string][]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok && len(h.DataPoints) > 0 {
				bounds[m.Name] = h.DataPoints[0].Bounds
			}
		}
	}
	assert.Equal(t, granuleBuckets, bounds["fedgate.granule.duration"])
	assert.Equal(t, sessionBuckets, bounds["fedgate.session.duration"])
}
