// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/federator/health"
	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。同时实现 dispatch.Observer、cache.Observer 与 session.Observer。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 分片指标
	granulesTotal   *prometheus.CounterVec
	granuleDuration *prometheus.HistogramVec
	granuleBytes    *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec

	// 端点健康
	endpointTransitions *prometheus.CounterVec

	// 会话指标
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionBytes    *prometheus.CounterVec

	// 溢出指标
	spilledChunks *prometheus.CounterVec
	spilledBytes  *prometheus.CounterVec

	// 缓存指标
	cacheEvents *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	namespace string
	factory   promauto.Factory
	logger    *zap.Logger
}

var (
	_ dispatch.Observer = (*Collector)(nil)
	_ session.Observer  = (*Collector)(nil)
)

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		namespace: namespace,
		factory:   factory,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 10),
		},
		[]string{"method", "path"},
	)

	// 分片指标
	c.granulesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granules_total",
			Help:      "Total number of dispatched granules by final status",
		},
		[]string{"resource", "endpoint", "status"},
	)

	c.granuleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "granule_duration_seconds",
			Help:      "Granule fetch duration in seconds, including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"resource", "endpoint"},
	)

	c.granuleBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granule_bytes_total",
			Help:      "Total number of bytes received from upstream endpoints",
		},
		[]string{"resource", "endpoint"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granule_retries_total",
			Help:      "Total number of granule retries on alternate endpoints",
		},
		[]string{"resource", "endpoint"},
	)

	// 端点健康
	c.endpointTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_state_transitions_total",
			Help:      "Total number of endpoint health state transitions",
		},
		[]string{"endpoint", "from_state", "to_state"},
	)

	// 会话指标
	c.sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by final state",
		},
		[]string{"resource", "state"},
	)

	c.sessionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"resource"},
	)

	c.sessionBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_bytes_total",
			Help:      "Total number of bytes streamed to clients",
		},
		[]string{"resource"},
	)

	// 溢出指标
	c.spilledChunks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilled_chunks_total",
			Help:      "Total number of granule chunks spilled to temporary files",
		},
		[]string{"resource"},
	)

	c.spilledBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilled_bytes_total",
			Help:      "Total number of bytes written to spill files",
		},
		[]string{"resource"},
	)

	// 缓存指标
	c.cacheEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Total number of result cache events",
		},
		[]string{"resource", "outcome"}, // outcome: hit, miss, error, stored, dropped
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧩 分片与端点
// =============================================================================

// ObserveGranule 实现 dispatch.Observer
func (c *Collector) ObserveGranule(resource, endpoint string, status types.ChunkStatus, d time.Duration, bytes int64) {
	if endpoint == "" {
		endpoint = "none"
	}
	c.granulesTotal.WithLabelValues(resource, endpoint, string(status)).Inc()
	c.granuleDuration.WithLabelValues(resource, endpoint).Observe(d.Seconds())
	if bytes > 0 {
		c.granuleBytes.WithLabelValues(resource, endpoint).Add(float64(bytes))
	}
}

// ObserveRetry 实现 dispatch.Observer
func (c *Collector) ObserveRetry(resource, endpoint string) {
	c.retriesTotal.WithLabelValues(resource, endpoint).Inc()
}

// RecordEndpointTransition 记录端点健康状态变更，可直接作为 health.Config.OnStateChange
func (c *Collector) RecordEndpointTransition(endpoint string, from, to health.State) {
	c.endpointTransitions.WithLabelValues(endpoint, from.String(), to.String()).Inc()
}

// RegisterTracker 导出被排除与被跟踪的端点数。冷却到期是被动的，因此按采集时刻计算。
func (c *Collector) RegisterTracker(t *health.Tracker) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "endpoints_excluded",
		Help:      "Number of endpoints currently excluded from dispatch",
	}, func() float64 { return float64(t.Excluded()) })
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "endpoints_tracked",
		Help:      "Number of endpoints with a health record",
	}, func() float64 { return float64(t.Len()) })
}

// RegisterPool 按资源类别导出连接池占用
func (c *Collector) RegisterPool(p *dispatch.Pool, classes ...string) {
	for _, class := range classes {
		class := class
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "pool_in_use",
			Help:        "Number of upstream connection slots in use per resource class",
			ConstLabels: prometheus.Labels{"resource": class},
		}, func() float64 { return float64(p.InUse(class)) })
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "pool_size",
			Help:        "Number of upstream connection slots per resource class",
			ConstLabels: prometheus.Labels{"resource": class},
		}, func() float64 { return float64(p.Size(class)) })
	}
}

// =============================================================================
// 🚂 会话与溢出
// =============================================================================

// ObserveSession 实现 session.Observer
func (c *Collector) ObserveSession(resource string, state session.State, d time.Duration, written int64) {
	c.sessionsTotal.WithLabelValues(resource, string(state)).Inc()
	c.sessionDuration.WithLabelValues(resource).Observe(d.Seconds())
	if written > 0 {
		c.sessionBytes.WithLabelValues(resource).Add(float64(written))
	}
}

// ObserveSpill 实现 session.Observer
func (c *Collector) ObserveSpill(resource string, stats spool.Stats) {
	if stats.SpilledChunks > 0 {
		c.spilledChunks.WithLabelValues(resource).Add(float64(stats.SpilledChunks))
		c.spilledBytes.WithLabelValues(resource).Add(float64(stats.SpilledBytes))
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// ObserveCache 实现 cache.Observer
func (c *Collector) ObserveCache(resource, outcome string) {
	c.cacheEvents.WithLabelValues(resource, outcome).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为状态类别
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
