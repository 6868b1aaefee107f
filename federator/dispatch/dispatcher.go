package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/fedgate/federator/health"
	"github.com/BaSui01/fedgate/federator/split"
	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/fedgate/federator/dispatch"

// 默认值
const (
	DefaultFanOutWidth    = 4
	DefaultGranuleTimeout = 30 * time.Second
	DefaultSplitFactor    = 2
)

// =============================================================================
// 📋 配置与结果
// =============================================================================

// Config 分发配置（按资源类别）
type Config struct {
	// FanOutWidth 单个会话同时在途的分片数
	FanOutWidth int
	// GranuleTimeout 单个分片的超时，独立于会话
	GranuleTimeout time.Duration
	// SplitFactor 上游 413 时每次切分的份数
	SplitFactor int
	// MaxSplitDepth 上游 413 时最多切分几层，0 表示不切分
	MaxSplitDepth int
	// Format 上游请求的输出格式
	Format string
	// Params 透传给上游的查询参数
	Params map[string]string
}

// Width 生效的扇出宽度
func (c Config) Width() int {
	c.normalize()
	return c.FanOutWidth
}

func (c *Config) normalize() {
	if c.FanOutWidth <= 0 {
		c.FanOutWidth = DefaultFanOutWidth
	}
	if c.GranuleTimeout <= 0 {
		c.GranuleTimeout = DefaultGranuleTimeout
	}
	if c.SplitFactor < 2 {
		c.SplitFactor = DefaultSplitFactor
	}
}

// Outcome 单个分片的处理结果
type Outcome struct {
	Granule  types.Granule
	Status   types.ChunkStatus
	Chunk    *spool.Chunk // 成功时非空，消费方负责 Release
	Endpoint string       // 最后尝试的端点，成功时即数据来源
	Attempts int
	Duration time.Duration
	Err      error
}

// Seq 分片序号
func (o Outcome) Seq() int { return o.Granule.Seq }

// Observer 分片级指标回调
type Observer interface {
	ObserveGranule(resource, endpoint string, status types.ChunkStatus, d time.Duration, bytes int64)
	ObserveRetry(resource, endpoint string)
}

// =============================================================================
// 🚀 Dispatcher
// =============================================================================

// Dispatcher 并发分发分片。所有会话共享 tracker、pool 与 fetcher。
type Dispatcher struct {
	tracker  *health.Tracker
	pool     *Pool
	fetcher  Fetcher
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher 创建分发器，observer 可为 nil
func NewDispatcher(tracker *health.Tracker, pool *Pool, fetcher Fetcher, observer Observer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tracker:  tracker,
		pool:     pool,
		fetcher:  fetcher,
		observer: observer,
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "dispatcher")),
		now:      time.Now,
	}
}

// Admissible 分片是否至少有一个端点当前可用
func (d *Dispatcher) Admissible(g types.Granule) bool {
	for _, ep := range g.Candidates() {
		if d.tracker.Admit(ep) {
			return true
		}
	}
	return false
}

// Dispatch 抓取单个分片：依次尝试主端点与备用端点（跳过被排除的），失败后最多在下一个
// 可用备用端点上重试一次。会话取消不计入端点健康。
func (d *Dispatcher) Dispatch(ctx context.Context, g types.Granule, sp *spool.Manager, cfg Config) Outcome {
	cfg.normalize()
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "fedgate.granule", trace.WithAttributes(
		attribute.Int("granule.seq", g.Seq),
		attribute.String("granule.resource", g.Resource),
		attribute.Int("granule.epochs", len(g.Epochs)),
	))
	defer span.End()

	out := Outcome{Granule: g, Status: types.ChunkFailed}
	logger := d.logger.With(zap.Int("seq", g.Seq), zap.String("resource", g.Resource))

	var lastErr error
	for _, ep := range g.Candidates() {
		if out.Attempts == 2 {
			break
		}
		if !d.tracker.Admit(ep) {
			logger.Debug("endpoint excluded, trying alternate", zap.String("endpoint", ep))
			continue
		}
		if out.Attempts > 0 {
			// 丢弃上次尝试写入的部分字节
			sp.Discard(g.Seq)
			if d.observer != nil {
				d.observer.ObserveRetry(g.Resource, ep)
			}
			logger.Info("retrying granule on alternate endpoint",
				zap.String("endpoint", ep), zap.Error(lastErr))
		}
		out.Attempts++
		out.Endpoint = ep

		err := d.attempt(ctx, g, ep, g.Epochs, sp, cfg, 0)
		if err == nil {
			d.tracker.Report(ep, health.OutcomeSuccess)
			chunk, ferr := sp.Finalize(g.Seq)
			if ferr != nil {
				lastErr = ferr
				break
			}
			out.Status = types.ChunkOK
			out.Chunk = chunk
			out.Err = nil
			out.Duration = d.now().Sub(start)
			d.observe(out, chunk.Size())
			span.SetAttributes(attribute.String("granule.endpoint", ep), attribute.Int64("granule.bytes", chunk.Size()))
			return out
		}

		lastErr = err
		if ctx.Err() != nil {
			// 客户端断开或会话中止，不是端点的问题
			lastErr = types.NewError(types.ErrCancelled, "granule cancelled").WithCause(ctx.Err())
			break
		}
		if isLocalFailure(err) {
			break
		}
		if !types.IsErrorCode(err, types.ErrUpstreamTooLarge) {
			d.tracker.Report(ep, health.OutcomeFailure)
		}
		logger.Warn("granule attempt failed", zap.String("endpoint", ep), zap.Error(err))
	}

	sp.Discard(g.Seq)
	if out.Attempts == 0 {
		lastErr = types.Errorf(types.ErrEndpointUnavailable,
			"no admissible endpoint for %s", g.Describe()).WithEndpoint(g.Endpoint)
	}
	out.Err = lastErr
	out.Duration = d.now().Sub(start)
	d.observe(out, 0)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(types.GetErrorCode(lastErr)))
	return out
}

// attempt 向单个端点发起请求；上游 413 时按时间切分后顺序抓取，写入同一分片
func (d *Dispatcher) attempt(ctx context.Context, g types.Granule, endpoint string, epochs []types.StreamEpoch, sp *spool.Manager, cfg Config, depth int) error {
	release, err := d.pool.Acquire(ctx, g.Resource)
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, cfg.GranuleTimeout)
	req := Request{
		Resource: g.Resource,
		Endpoint: endpoint,
		Method:   g.Method,
		Format:   cfg.Format,
		Params:   cfg.Params,
		Epochs:   epochs,
	}
	if len(epochs) != 1 {
		req.Method = types.MethodPost
	}
	_, err = d.fetcher.Fetch(actx, req, chunkWriter{sp: sp, seq: g.Seq})
	cancel()
	release()

	if !types.IsErrorCode(err, types.ErrUpstreamTooLarge) || depth >= cfg.MaxSplitDepth || !bisectable(g.Resource) {
		return err
	}
	parts := split.Bisect(epochs, cfg.SplitFactor, d.now())
	if parts == nil {
		return err
	}
	d.logger.Debug("upstream too large, bisecting",
		zap.Int("seq", g.Seq),
		zap.String("endpoint", endpoint),
		zap.Int("depth", depth+1),
		zap.Int("parts", len(parts)),
	)
	for _, part := range parts {
		if err := d.attempt(ctx, g, endpoint, []types.StreamEpoch{part}, sp, cfg, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) observe(o Outcome, bytes int64) {
	if d.observer == nil {
		return
	}
	d.observer.ObserveGranule(o.Granule.Resource, o.Endpoint, o.Status, o.Duration, bytes)
}

// Run 以有界并发分发一个会话的全部分片，结果写入 out（按完成顺序）。
// 每个分片在分发前按序号顺序获取一个窗口令牌，由合并器消费后归还，
// 因此未被消费的结果不超过窗口大小，客户端写入变慢时分发随之放缓。
// Run 返回前关闭 out。
func (d *Dispatcher) Run(ctx context.Context, granules []types.Granule, sp *spool.Manager, cfg Config, window *Window, out chan<- Outcome) error {
	defer close(out)
	cfg.normalize()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FanOutWidth)

	for _, gr := range granules {
		if err := window.Acquire(gctx); err != nil {
			break
		}
		g.Go(func() error {
			o := d.Dispatch(gctx, gr, sp, cfg)
			select {
			case out <- o:
				return nil
			case <-gctx.Done():
				if o.Chunk != nil {
					o.Chunk.Release()
				}
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// =============================================================================
// 🪟 Window
// =============================================================================

// Window 限制已分发但尚未被合并器消费的分片数
type Window struct {
	tokens chan struct{}
}

// NewWindow 创建窗口
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{tokens: make(chan struct{}, size)}
}

// Acquire 获取令牌，窗口已满时阻塞
func (w *Window) Acquire(ctx context.Context) error {
	select {
	case w.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 归还令牌
func (w *Window) Release() {
	select {
	case <-w.tokens:
	default:
	}
}

// Held 当前占用的令牌数
func (w *Window) Held() int { return len(w.tokens) }

// =============================================================================
// 🔧 辅助函数
// =============================================================================

type chunkWriter struct {
	sp  *spool.Manager
	seq int
}

func (w chunkWriter) Write(p []byte) (int, error) {
	if err := w.sp.Append(w.seq, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// isLocalFailure 本地缓冲失败，不换端点重试，也不计入端点健康
func isLocalFailure(err error) bool {
	return types.IsErrorCode(err, types.ErrSpillIO) || errors.Is(err, spool.ErrClosed) ||
		types.IsErrorCode(err, types.ErrCancelled)
}

// bisectable 只有可直接拼接的记录格式才能把多个上游响应写入同一分片
func bisectable(resource string) bool {
	return resource == types.ResourceDataselect
}
