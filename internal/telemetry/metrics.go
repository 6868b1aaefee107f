package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BaSui01/fedgate/internal/telemetry"

// Metrics records federation activity through the global OTel MeterProvider.
// Instruments are noop until Init registers the SDK provider.
type Metrics struct {
	granuleTotal    metric.Int64Counter
	granuleDuration metric.Float64Histogram
	granuleBytes    metric.Int64Counter
	retryTotal      metric.Int64Counter
	sessionTotal    metric.Int64Counter
	sessionDuration metric.Float64Histogram
	spilledBytes    metric.Int64Counter
}

// NewMetrics creates the OTel instruments. It implements dispatch.Observer
// and session.Observer.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	if m.granuleTotal, err = meter.Int64Counter("fedgate.granule.total",
		metric.WithDescription("Granules dispatched to upstream endpoints"),
		metric.WithUnit("{granule}")); err != nil {
		return nil, fmt.Errorf("create granule counter: %w", err)
	}
	if m.granuleDuration, err = meter.Float64Histogram("fedgate.granule.duration",
		metric.WithDescription("Granule fetch duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create granule histogram: %w", err)
	}
	if m.granuleBytes, err = meter.Int64Counter("fedgate.granule.bytes",
		metric.WithDescription("Payload bytes received from upstream"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create granule bytes counter: %w", err)
	}
	if m.retryTotal, err = meter.Int64Counter("fedgate.granule.retry.total",
		metric.WithDescription("Granules retried on an alternate endpoint"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if m.sessionTotal, err = meter.Int64Counter("fedgate.session.total",
		metric.WithDescription("Streaming sessions by terminal state"),
		metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("create session counter: %w", err)
	}
	if m.sessionDuration, err = meter.Float64Histogram("fedgate.session.duration",
		metric.WithDescription("Streaming session duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create session histogram: %w", err)
	}
	if m.spilledBytes, err = meter.Int64Counter("fedgate.spool.spilled.bytes",
		metric.WithDescription("Bytes moved from memory to temporary files"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create spill counter: %w", err)
	}
	return m, nil
}

// ObserveGranule implements dispatch.Observer.
func (m *Metrics) ObserveGranule(resource, endpoint string, status types.ChunkStatus, d time.Duration, bytes int64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("status", string(status)),
	)
	m.granuleTotal.Add(ctx, 1, attrs)
	m.granuleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("resource", resource)))
	if bytes > 0 {
		m.granuleBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("resource", resource)))
	}
}

// ObserveRetry implements dispatch.Observer.
func (m *Metrics) ObserveRetry(resource, _ string) {
	m.retryTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// ObserveSession implements session.Observer.
func (m *Metrics) ObserveSession(resource string, state session.State, d time.Duration, _ int64) {
	ctx := context.Background()
	m.sessionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("state", string(state)),
	))
	m.sessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("resource", resource)))
}

// ObserveSpill implements session.Observer.
func (m *Metrics) ObserveSpill(resource string, stats spool.Stats) {
	if stats.SpilledBytes > 0 {
		m.spilledBytes.Add(context.Background(), stats.SpilledBytes,
			metric.WithAttributes(attribute.String("resource", resource)))
	}
}
