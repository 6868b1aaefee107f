package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/BaSui01/fedgate/federator/cache"
	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/federator/merge"
	"github.com/BaSui01/fedgate/federator/split"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/internal/ctxkeys"
	"github.com/BaSui01/fedgate/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/fedgate/federator/session"

// DefaultStreamTimeout 单个会话的最长处理时间
const DefaultStreamTimeout = 600 * time.Second

// flushEvery 流式输出每写出这么多字节刷新一次
const flushEvery = 256 << 10

// =============================================================================
// 📋 契约
// =============================================================================

// Status 响应完成状态，通过 trailer 告知客户端
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusError    Status = "error"
)

// Sink HTTP 输出面。Begin 在第一个输出字节前调用且只调用一次；
// Begin 之前返回的错误由调用方映射为状态码。
type Sink interface {
	Begin(contentType string) error
	Write(p []byte) (int, error)
	Flush()
	Finish(status Status, gaps []merge.Gap)
}

// Resolver 把请求解析为 ResolvedLocation
type Resolver interface {
	Resolve(ctx context.Context, q *types.QuerySpec) ([]types.ResolvedLocation, error)
}

// Observer 会话级指标回调
type Observer interface {
	ObserveSession(resource string, state State, d time.Duration, written int64)
	ObserveSpill(resource string, stats spool.Stats)
}

// ResourceConfig 单个资源类别的会话参数
type ResourceConfig struct {
	Dispatch dispatch.Config
	Split    split.Policy
	Policy   merge.FailurePolicy
	Framer   merge.FramerOptions
}

// Config 引擎配置
type Config struct {
	// SpoolDir 分片溢出目录
	SpoolDir string
	// SessionMemory 单个会话的内存缓冲上限
	SessionMemory int64
	// Budget 进程级内存预算，所有会话共享，与 SessionMemory 同时生效
	Budget *spool.Budget
	// StreamTimeout 单个会话的最长处理时间
	StreamTimeout time.Duration
	// Resources 资源 -> 会话参数
	Resources map[string]ResourceConfig
}

// Summary 会话结果
type Summary struct {
	SessionID   string        `json:"session_id"`
	Resource    string        `json:"resource"`
	State       State         `json:"state"`
	History     []State       `json:"history"`
	CacheHit    bool          `json:"cache_hit"`
	Granules    int           `json:"granules"`
	Succeeded   int           `json:"succeeded"`
	Failed      []merge.Gap   `json:"failed,omitempty"`
	Partial     bool          `json:"partial"`
	Written     int64         `json:"written"`
	Spill       spool.Stats   `json:"spill"`
	Duration    time.Duration `json:"duration"`
	ContentType string        `json:"content_type,omitempty"`
}

// =============================================================================
// 🚂 Engine
// =============================================================================

// Engine 在所有会话间共享解析器、分发器与缓存网关
type Engine struct {
	resolver   Resolver
	dispatcher *dispatch.Dispatcher
	cache      *cache.Gateway
	cfg        Config
	observer   Observer
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewEngine 创建引擎。gateway 与 observer 可为 nil。
func NewEngine(resolver Resolver, dispatcher *dispatch.Dispatcher, gateway *cache.Gateway, cfg Config, observer Observer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gateway == nil {
		gateway = cache.NewGateway(nil, nil, cache.GatewayConfig{}, nil, logger)
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	return &Engine{
		resolver:   resolver,
		dispatcher: dispatcher,
		cache:      gateway,
		cfg:        cfg,
		observer:   observer,
		tracer:     otel.Tracer(instrumentationName),
		logger:     logger.With(zap.String("component", "session")),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Serve 处理一个请求。Sink 尚未 Begin 时的错误由调用方渲染为错误文档；
// 开始输出后的失败通过 Sink.Finish(StatusError) 告知客户端，同时也作为错误返回。
func (e *Engine) Serve(ctx context.Context, q *types.QuerySpec, sink Sink) (*Summary, error) {
	s := newSession(e.newID(), q, e.now())
	ctx = ctxkeys.WithSessionID(ctx, s.ID)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StreamTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "fedgate.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.resource", q.Resource),
		attribute.String("session.format", q.Format),
		attribute.Int("session.epochs", len(q.Epochs)),
	))
	defer span.End()

	fields := []zap.Field{zap.String("session_id", s.ID), zap.String("resource", q.Resource)}
	if rid, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", rid))
	}
	logger := e.logger.With(fields...)

	sum := &Summary{SessionID: s.ID, Resource: q.Resource}
	out := &sinkWriter{sink: sink}
	err := e.run(ctx, s, sum, out, logger)

	if err != nil && !s.State().Terminal() {
		err = e.timeoutError(ctx, err)
		_ = s.transition(StateAborted)
		if out.begun {
			out.sink.Finish(StatusError, sum.Failed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
		logger.Warn("session aborted", zap.Error(err), zap.Int64("written", out.written))
	}

	sum.State = s.State()
	sum.History = s.History()
	sum.Written = out.written
	sum.Duration = e.now().Sub(s.Started)
	span.SetAttributes(
		attribute.String("session.state", string(sum.State)),
		attribute.Int64("session.written", sum.Written),
		attribute.Int("session.granules", sum.Granules),
	)
	if e.observer != nil {
		e.observer.ObserveSession(q.Resource, sum.State, sum.Duration, sum.Written)
	}
	logger.Info("session finished",
		zap.String("state", string(sum.State)),
		zap.Bool("cache_hit", sum.CacheHit),
		zap.Int("granules", sum.Granules),
		zap.Int("failed", len(sum.Failed)),
		zap.Int64("written", sum.Written),
		zap.Duration("duration", sum.Duration),
	)
	return sum, err
}

func (e *Engine) run(ctx context.Context, s *Session, sum *Summary, out *sinkWriter, logger *zap.Logger) error {
	q := s.Query
	if err := s.transition(StateCacheLookup); err != nil {
		return err
	}
	fp := e.cache.Fingerprint(q)
	if entry, ok := e.cache.Lookup(ctx, q.Resource, fp); ok {
		sum.CacheHit = true
		return e.replay(s, sum, out, entry)
	}

	// 解析
	if err := s.transition(StateResolving); err != nil {
		return err
	}
	locs, err := e.resolve(ctx, q)
	if err != nil {
		return err
	}
	if len(locs) == 0 {
		_ = s.transition(StateCompleted)
		return types.NewError(types.ErrNoData, "no routes for the requested streams")
	}

	// 切分
	if err := s.transition(StateSplitting); err != nil {
		return err
	}
	rc := e.resourceConfig(q.Resource)
	policy := rc.Split
	policy.Now = e.now()
	granules, err := split.Split(q.Resource, locs, policy)
	if err != nil {
		return err
	}
	sum.Granules = len(granules)
	if !e.admissible(granules) {
		return types.Errorf(types.ErrServiceUnavailable,
			"all %d sub-requests target endpoints that are currently unavailable", len(granules))
	}
	framer, err := merge.NewFramer(q.Resource, q.Format, rc.Framer, logger)
	if err != nil {
		return err
	}
	out.contentType = framer.ContentType()
	sum.ContentType = out.contentType

	// 分发与合并
	if err := s.transition(StateDispatching); err != nil {
		return err
	}
	sp := spool.NewManager(s.ID, spool.Config{Dir: e.cfg.SpoolDir, MemoryLimit: e.sessionMemory(), Budget: e.cfg.Budget}, logger)
	defer func() {
		sum.Spill = sp.Stats()
		if e.observer != nil {
			e.observer.ObserveSpill(q.Resource, sum.Spill)
		}
		if err := sp.Close(); err != nil {
			logger.Warn("spool cleanup failed", zap.Error(err))
		}
	}()

	dcfg := rc.Dispatch
	dcfg.Format = q.Format
	dcfg.Params = q.Params
	width := dcfg.Width()
	window := dispatch.NewWindow(width)
	outcomes := make(chan dispatch.Outcome, width)

	dctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.dispatcher.Run(dctx, granules, sp, dcfg, window, outcomes); err != nil && dctx.Err() == nil {
			logger.Warn("dispatch stopped", zap.Error(err))
		}
	}()
	defer func() {
		// 中止时取消在途分片，释放未消费的结果，等待分发结束后再清理缓冲
		stop()
		for o := range outcomes {
			if o.Chunk != nil {
				o.Chunk.Release()
			}
		}
		<-done
	}()

	if err := s.transition(StateMerging); err != nil {
		return err
	}
	out.onBegin = func() { _ = s.transition(StateStreaming) }
	rec := cache.NewRecorder(out, e.recordLimit())
	merger := merge.NewMerger(framer, rc.Policy, window, logger)
	res, err := merger.Run(dctx, len(granules), outcomes, rec)
	sum.Succeeded = res.Succeeded
	sum.Failed = res.Failed
	sum.Partial = res.Partial
	if err != nil {
		return err
	}

	if !out.begun {
		_ = s.transition(StateCompleted)
		if res.Partial {
			logger.Info("no data returned, some sources failed", zap.Int("failed", len(res.Failed)))
		}
		return types.NewError(types.ErrNoData, "no data available for the request")
	}

	out.sink.Flush()
	status := StatusComplete
	if res.Partial {
		status = StatusPartial
	}
	out.sink.Finish(status, res.Failed)
	_ = s.transition(StateCompleted)

	if payload, ok := rec.Recorded(); ok && !res.Partial {
		e.cache.Store(e.cache.Fingerprint(q), &cache.Entry{
			Resource:    q.Resource,
			ContentType: out.contentType,
			Payload:     payload,
		})
	}
	return nil
}

// replay 回放缓存条目
func (e *Engine) replay(s *Session, sum *Summary, out *sinkWriter, entry *cache.Entry) error {
	if err := s.transition(StateCacheHit); err != nil {
		return err
	}
	out.contentType = entry.ContentType
	sum.ContentType = entry.ContentType
	out.onBegin = func() { _ = s.transition(StateStreaming) }
	if _, err := out.Write(entry.Payload); err != nil {
		return err
	}
	out.sink.Flush()
	out.sink.Finish(StatusComplete, nil)
	return s.transition(StateCompleted)
}

func (e *Engine) resolve(ctx context.Context, q *types.QuerySpec) ([]types.ResolvedLocation, error) {
	ctx, span := e.tracer.Start(ctx, "fedgate.resolve")
	defer span.End()
	locs, err := e.resolver.Resolve(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("resolve.locations", len(locs)))
	return locs, nil
}

func (e *Engine) admissible(granules []types.Granule) bool {
	for _, g := range granules {
		if e.dispatcher.Admissible(g) {
			return true
		}
	}
	return false
}

func (e *Engine) resourceConfig(resource string) ResourceConfig {
	rc, ok := e.cfg.Resources[resource]
	if !ok {
		return ResourceConfig{Policy: merge.PolicyAuto}
	}
	return rc
}

// sessionMemory 未配置时不限制内存
func (e *Engine) sessionMemory() int64 {
	if e.cfg.SessionMemory == 0 {
		return -1
	}
	return e.cfg.SessionMemory
}

func (e *Engine) recordLimit() int64 {
	if !e.cache.Enabled() {
		return 0
	}
	return e.cache.MaxEntrySize()
}

// timeoutError 会话超时映射为 SERVICE_UNAVAILABLE
func (e *Engine) timeoutError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && types.IsErrorCode(err, types.ErrCancelled) {
		return types.NewError(types.ErrServiceUnavailable, "session exceeded the streaming timeout").WithCause(err)
	}
	return err
}

// =============================================================================
// 🔧 sinkWriter
// =============================================================================

// sinkWriter 在第一个字节到达时才 Begin，之后定期 Flush
type sinkWriter struct {
	sink        Sink
	contentType string
	onBegin     func()
	begun       bool
	written     int64
	unflushed   int
}

var _ io.Writer = (*sinkWriter)(nil)

func (w *sinkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !w.begun {
		if err := w.sink.Begin(w.contentType); err != nil {
			return 0, err
		}
		w.begun = true
		if w.onBegin != nil {
			w.onBegin()
		}
	}
	n, err := w.sink.Write(p)
	w.written += int64(n)
	w.unflushed += n
	if w.unflushed >= flushEvery {
		w.sink.Flush()
		w.unflushed = 0
	}
	if err != nil {
		return n, types.NewError(types.ErrCancelled, "client write failed").WithCause(err)
	}
	return n, nil
}
