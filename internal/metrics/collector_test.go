package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/federator/cache"
	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/federator/health"
	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const endpoint = "http://archive.example.org/fdsnws/dataselect/1/query"

var _ cache.Observer = (*Collector)(nil)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("fedgate", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.granulesTotal)
	assert.NotNil(t, collector.sessionsTotal)
	assert.NotNil(t, collector.cacheEvents)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// 每个 Registry 独立注册，同名指标不冲突
	assert.NotPanics(t, func() {
		NewCollector("fedgate", prometheus.NewRegistry(), nil)
		NewCollector("fedgate", prometheus.NewRegistry(), nil)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/fdsnws/dataselect/1/query", 200, 100*time.Millisecond, 0, 2048)
	collector.RecordHTTPRequest("GET", "/fdsnws/dataselect/1/query", 204, 50*time.Millisecond, 0, 0)
	collector.RecordHTTPRequest("POST", "/fdsnws/dataselect/1/query", 503, 50*time.Millisecond, 512, 128)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/fdsnws/dataselect/1/query", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/fdsnws/dataselect/1/query", "5xx")))
}

func TestCollector_ObserveGranule(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveGranule(types.ResourceDataselect, endpoint, types.ChunkOK, time.Second, 4096)
	collector.ObserveGranule(types.ResourceDataselect, endpoint, types.ChunkFailed, time.Second, 0)
	collector.ObserveGranule(types.ResourceDataselect, "", types.ChunkFailed, 0, 0)
	collector.ObserveRetry(types.ResourceDataselect, endpoint)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.granulesTotal.WithLabelValues(types.ResourceDataselect, endpoint, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.granulesTotal.WithLabelValues(types.ResourceDataselect, "none", "failed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(collector.granuleBytes.WithLabelValues(types.ResourceDataselect, endpoint)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.retriesTotal.WithLabelValues(types.ResourceDataselect, endpoint)))
}

func TestCollector_EndpointTransitions(t *testing.T) {
	collector, reg := newTestCollector(t)
	cfg := health.DefaultConfig()
	cfg.FailureThreshold = 0
	cfg.OnStateChange = collector.RecordEndpointTransition
	tracker := health.NewTracker(cfg, nil)
	collector.RegisterTracker(tracker)

	tracker.Report(endpoint, health.OutcomeFailure)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.endpointTransitions.WithLabelValues(endpoint, "healthy", "excluded")))
	expected := `
# HELP fedgate_endpoints_excluded Number of endpoints currently excluded from dispatch
# TYPE fedgate_endpoints_excluded gauge
fedgate_endpoints_excluded 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fedgate_endpoints_excluded"))
}

func TestCollector_RegisterPool(t *testing.T) {
	collector, reg := newTestCollector(t)
	p := dispatch.NewPool(map[string]int{types.ResourceDataselect: 3}, 2)
	collector.RegisterPool(p, types.ResourceDataselect, types.ResourceStation)

	release, err := p.Acquire(t.Context(), types.ResourceDataselect)
	require.NoError(t, err)
	defer release()

	expected := `
# HELP fedgate_pool_in_use Number of upstream connection slots in use per resource class
# TYPE fedgate_pool_in_use gauge
fedgate_pool_in_use{resource="dataselect"} 1
fedgate_pool_in_use{resource="station"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fedgate_pool_in_use"))
}

func TestCollector_ObserveSession(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveSession(types.ResourceStation, session.StateCompleted, 2*time.Second, 1000)
	collector.ObserveSession(types.ResourceStation, session.StateAborted, time.Second, 0)
	collector.ObserveSpill(types.ResourceStation, spool.Stats{SpilledChunks: 2, SpilledBytes: 8192})
	collector.ObserveSpill(types.ResourceStation, spool.Stats{})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.sessionsTotal.WithLabelValues(types.ResourceStation, "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.sessionsTotal.WithLabelValues(types.ResourceStation, "aborted")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.sessionBytes.WithLabelValues(types.ResourceStation)))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.spilledChunks.WithLabelValues(types.ResourceStation)))
	assert.Equal(t, 8192.0, testutil.ToFloat64(collector.spilledBytes.WithLabelValues(types.ResourceStation)))
}

func TestCollector_ObserveCache(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.ObserveCache(types.ResourceDataselect, cache.OutcomeHit)
	collector.ObserveCache(types.ResourceDataselect, cache.OutcomeMiss)
	collector.ObserveCache(types.ResourceDataselect, cache.OutcomeMiss)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheEvents.WithLabelValues(types.ResourceDataselect, "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheEvents.WithLabelValues(types.ResourceDataselect, "miss")))
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordDBConnections("routes", 10, 5)
	collector.RecordDBQuery("routes", "lookup", 20*time.Millisecond)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("routes")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("routes")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/fdsnws/station/1/query", 200, 100*time.Millisecond, 0, 2048)
			collector.ObserveGranule(types.ResourceStation, endpoint, types.ChunkOK, time.Second, 1)
			collector.ObserveCache(types.ResourceStation, cache.OutcomeHit)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/fdsnws/station/1/query", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.granuleBytes.WithLabelValues(types.ResourceStation, endpoint)))
}
