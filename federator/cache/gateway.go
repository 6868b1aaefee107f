package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/BaSui01/fedgate/internal/pool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// 缓存观测结果
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeError   = "error"
	OutcomeStored  = "stored"
	OutcomeDropped = "dropped"
)

// Observer 缓存指标回调
type Observer interface {
	ObserveCache(resource, outcome string)
}

// GatewayConfig 缓存网关配置
type GatewayConfig struct {
	// TTL 条目有效期
	TTL time.Duration
	// StoreTimeout 异步写入的超时
	StoreTimeout time.Duration
	// Granularity 指纹时间取整粒度，0 表示精确匹配
	Granularity time.Duration
	// MaxEntrySize 可缓存的最大输出字节数
	MaxEntrySize int64
}

// DefaultGatewayConfig 默认配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		TTL:          5 * time.Minute,
		StoreTimeout: 10 * time.Second,
		MaxEntrySize: 32 << 20,
	}
}

// =============================================================================
// 🚪 Gateway
// =============================================================================

// Gateway 整个响应级别的缓存。查找失败一律按未命中处理，
// 写入在有界 goroutine 池中异步执行，不延迟客户端响应。
type Gateway struct {
	store    Store
	workers  *pool.GoroutinePool
	cfg      GatewayConfig
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewGateway 创建缓存网关，store 为 nil 时禁用缓存
func NewGateway(store Store, workers *pool.GoroutinePool, cfg GatewayConfig, observer Observer, logger *zap.Logger) *Gateway {
	if store == nil {
		store = NullStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultGatewayConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = def.MaxEntrySize
	}
	return &Gateway{
		store:    store,
		workers:  workers,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With(zap.String("component", "cache_gateway")),
		now:      time.Now,
	}
}

// Enabled 是否启用缓存
func (g *Gateway) Enabled() bool {
	_, null := g.store.(NullStore)
	return !null
}

// MaxEntrySize 可缓存的最大输出字节数
func (g *Gateway) MaxEntrySize() int64 { return g.cfg.MaxEntrySize }

// Fingerprint 按配置的粒度计算指纹
func (g *Gateway) Fingerprint(q *types.QuerySpec) string {
	return Fingerprint(q, g.cfg.Granularity)
}

// Lookup 查找缓存
func (g *Gateway) Lookup(ctx context.Context, resource, fp string) (*Entry, bool) {
	if !g.Enabled() {
		return nil, false
	}
	e, err := g.store.Get(ctx, fp)
	switch {
	case err == nil:
		g.observe(resource, OutcomeHit)
		return e, true
	case errors.Is(err, ErrMiss):
		g.observe(resource, OutcomeMiss)
	default:
		g.observe(resource, OutcomeError)
		g.logger.Warn("cache lookup failed, treating as miss", zap.String("fingerprint", fp), zap.Error(err))
	}
	return nil, false
}

// Store 异步写入缓存。池已满或已关闭时放弃写入并返回 false。
func (g *Gateway) Store(fp string, e *Entry) bool {
	if !g.Enabled() || e.Size() > g.cfg.MaxEntrySize {
		return false
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.now().UTC()
	}
	err := g.workers.Submit(context.Background(), func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
		defer cancel()
		if err := g.store.Set(sctx, fp, e, g.cfg.TTL); err != nil {
			g.observe(e.Resource, OutcomeError)
			g.logger.Warn("cache store failed", zap.String("fingerprint", fp), zap.Error(err))
			return err
		}
		g.observe(e.Resource, OutcomeStored)
		return nil
	})
	if err != nil {
		g.observe(e.Resource, OutcomeDropped)
		g.logger.Warn("cache store dropped", zap.String("fingerprint", fp), zap.Error(err))
		return false
	}
	return true
}

func (g *Gateway) observe(resource, outcome string) {
	if g.observer != nil {
		g.observer.ObserveCache(resource, outcome)
	}
}

// =============================================================================
// 📼 Recorder
// =============================================================================

// Recorder 透传写入并记录输出，超过上限后停止记录
type Recorder struct {
	w        io.Writer
	buf      []byte
	limit    int64
	overflow bool
}

// NewRecorder 创建记录器，limit <= 0 表示不记录
func NewRecorder(w io.Writer, limit int64) *Recorder {
	return &Recorder{w: w, limit: limit, overflow: limit <= 0}
}

// Write 实现 io.Writer
func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if !r.overflow {
		if int64(len(r.buf)+n) > r.limit {
			r.overflow = true
			r.buf = nil
		} else {
			r.buf = append(r.buf, p[:n]...)
		}
	}
	return n, err
}

// Recorded 返回完整记录的输出，超过上限时返回 false
func (r *Recorder) Recorded() ([]byte, bool) {
	if r.overflow {
		return nil, false
	}
	return r.buf, true
}
