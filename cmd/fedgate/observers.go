package main

import (
	"time"

	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/internal/metrics"
	"github.com/BaSui01/fedgate/internal/telemetry"
	"github.com/BaSui01/fedgate/types"
)

// federationObserver 将分发与会话事件同时记录到 Prometheus 与 OTel
type federationObserver struct {
	prom *metrics.Collector
	otel *telemetry.Metrics
}

func (o *federationObserver) ObserveGranule(resource, endpoint string, status types.ChunkStatus, d time.Duration, bytes int64) {
	o.prom.ObserveGranule(resource, endpoint, status, d, bytes)
	o.otel.ObserveGranule(resource, endpoint, status, d, bytes)
}

func (o *federationObserver) ObserveRetry(resource, endpoint string) {
	o.prom.ObserveRetry(resource, endpoint)
	o.otel.ObserveRetry(resource, endpoint)
}

func (o *federationObserver) ObserveSession(resource string, state session.State, d time.Duration, written int64) {
	o.prom.ObserveSession(resource, state, d, written)
	o.otel.ObserveSession(resource, state, d, written)
}

func (o *federationObserver) ObserveSpill(resource string, stats spool.Stats) {
	o.prom.ObserveSpill(resource, stats)
	o.otel.ObserveSpill(resource, stats)
}
