package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Outcome 一次上游调用的结果
type Outcome int

const (
	// OutcomeSuccess 调用成功
	OutcomeSuccess Outcome = iota
	// OutcomeFailure 超时、传输错误或上游 5xx
	OutcomeFailure
	// OutcomeCancelled 客户端取消，不计入端点健康
	OutcomeCancelled
)

// State 端点状态
type State int

const (
	// StateHealthy 可调度
	StateHealthy State = iota
	// StateExcluded 冷却中，不可调度
	StateExcluded
	// StateProbation 冷却结束后的试探期，再失败一次立即重新排除
	StateProbation
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateExcluded:
		return "excluded"
	case StateProbation:
		return "probation"
	default:
		return "unknown"
	}
}

// Config 健康跟踪配置
type Config struct {
	// WindowSize 滑动窗口保留的最近结果数
	WindowSize int

	// FailureThreshold 窗口内失败次数超过该值时排除端点，0 表示首次失败即排除
	FailureThreshold int

	// Window 窗口周期，到期后失败计数清零
	Window time.Duration

	// Cooldown 首次排除的冷却时长
	Cooldown time.Duration

	// MaxCooldown 冷却时长上限
	MaxCooldown time.Duration

	// BackoffMultiplier 连续排除时冷却时长的倍数，1 表示固定冷却
	BackoffMultiplier float64

	// MaxEntries 记录数上限，超出后回收空闲记录
	MaxEntries int

	// IdleTTL 记录空闲多久后可被回收
	IdleTTL time.Duration

	// SweepInterval 后台回收周期
	SweepInterval time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(endpoint string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		WindowSize:        20,
		FailureThreshold:  5,
		Window:            time.Minute,
		Cooldown:          30 * time.Second,
		MaxCooldown:       10 * time.Minute,
		BackoffMultiplier: 2,
		MaxEntries:        4096,
		IdleTTL:           time.Hour,
		SweepInterval:     time.Minute,
	}
}

// EndpointStatus 端点健康快照
type EndpointStatus struct {
	Endpoint       string    `json:"endpoint"`
	State          string    `json:"state"`
	RecentFailures int       `json:"recent_failures"`
	WindowStart    time.Time `json:"window_start"`
	ExcludedUntil  time.Time `json:"excluded_until,omitempty"`
	Trips          int       `json:"trips"`
	Failures       uint64    `json:"failures_total"`
	Successes      uint64    `json:"successes_total"`
}

// record 单个端点的健康记录。excludedUntil 与 lastSeen 为原子字段，Admit 无锁读取。
type record struct {
	mu          sync.Mutex
	ring        []bool // true 表示失败
	next        int
	failures    int
	windowStart time.Time
	trips       int
	probation   bool
	failTotal   uint64
	okTotal     uint64

	excludedUntil atomic.Int64 // UnixNano，0 表示未排除
	lastSeen      atomic.Int64
}

func newRecord(size int, now time.Time) *record {
	r := &record{ring: make([]bool, size), windowStart: now}
	r.lastSeen.Store(now.UnixNano())
	return r
}

func (r *record) push(failed bool) {
	if r.ring[r.next] {
		r.failures--
	}
	r.ring[r.next] = failed
	if failed {
		r.failures++
	}
	r.next = (r.next + 1) % len(r.ring)
}

func (r *record) resetWindow(now time.Time) {
	for i := range r.ring {
		r.ring[i] = false
	}
	r.failures = 0
	r.next = 0
	r.windowStart = now
}

func (r *record) excluded(now time.Time) bool {
	until := r.excludedUntil.Load()
	return until != 0 && now.UnixNano() < until
}

func (r *record) state(now time.Time) State {
	switch {
	case r.excluded(now):
		return StateExcluded
	case r.probation:
		return StateProbation
	default:
		return StateHealthy
	}
}

// Tracker 进程级端点健康跟踪器（熔断器）。
// 读多写少：Admit 只做原子读，Report 只锁单个端点的记录。
type Tracker struct {
	cfg    *Config
	logger *zap.Logger
	now    func() time.Time

	records sync.Map // endpoint -> *record
	size    atomic.Int64
}

// NewTracker 创建健康跟踪器
func NewTracker(cfg *Config, logger *zap.Logger) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	defaults := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.FailureThreshold >= cfg.WindowSize {
		cfg.WindowSize = cfg.FailureThreshold + 1
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaults.IdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	return &Tracker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "health_tracker")),
		now:    time.Now,
	}
}

// Admit 判断端点当前是否可调度。从不阻塞。
func (t *Tracker) Admit(endpoint string) bool {
	v, ok := t.records.Load(endpoint)
	if !ok {
		return true
	}
	return !v.(*record).excluded(t.now())
}

// State 返回端点当前状态
func (t *Tracker) State(endpoint string) State {
	v, ok := t.records.Load(endpoint)
	if !ok {
		return StateHealthy
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(t.now())
}

// Report 记录一次调用结果。
// 成功结果不会为未知端点创建记录；取消结果被忽略。
func (t *Tracker) Report(endpoint string, outcome Outcome) {
	if endpoint == "" || outcome == OutcomeCancelled {
		return
	}
	now := t.now()

	v, ok := t.records.Load(endpoint)
	if !ok {
		if outcome == OutcomeSuccess {
			return
		}
		var loaded bool
		v, loaded = t.records.LoadOrStore(endpoint, newRecord(t.cfg.WindowSize, now))
		if !loaded && t.size.Add(1) > int64(t.cfg.MaxEntries) {
			t.evict(now, endpoint)
		}
	}
	r := v.(*record)

	r.mu.Lock()
	from := r.state(now)
	r.lastSeen.Store(now.UnixNano())
	if now.Sub(r.windowStart) >= t.cfg.Window {
		r.resetWindow(now)
	}

	switch outcome {
	case OutcomeSuccess:
		r.okTotal++
		r.push(false)
		// 冷却期间完成的请求不解除排除
		if r.probation && !r.excluded(now) {
			r.probation = false
			r.trips = 0
			r.excludedUntil.Store(0)
		}
	case OutcomeFailure:
		r.failTotal++
		r.push(true)
		if !r.excluded(now) && (r.probation || r.failures > t.cfg.FailureThreshold) {
			t.trip(endpoint, r, now)
		}
	}
	to := r.state(now)
	r.mu.Unlock()

	if from != to {
		t.logger.Info("endpoint state changed",
			zap.String("endpoint", endpoint),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if t.cfg.OnStateChange != nil {
			t.cfg.OnStateChange(endpoint, from, to)
		}
	}
}

// trip 排除端点。调用方持有 r.mu。
func (t *Tracker) trip(endpoint string, r *record, now time.Time) {
	r.trips++
	cooldown := time.Duration(float64(t.cfg.Cooldown) * math.Pow(t.cfg.BackoffMultiplier, float64(r.trips-1)))
	if cooldown > t.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = t.cfg.MaxCooldown
	}
	r.excludedUntil.Store(now.Add(cooldown).UnixNano())
	r.probation = true
	r.resetWindow(now)

	t.logger.Warn("endpoint excluded",
		zap.String("endpoint", endpoint),
		zap.Int("trips", r.trips),
		zap.Duration("cooldown", cooldown),
	)
}

// =============================================================================
// 🧹 回收
// =============================================================================

// Run 周期性回收空闲记录，直到 ctx 结束。
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("evicted idle endpoint records", zap.Int("count", n))
			}
		}
	}
}

// Sweep 回收超过 IdleTTL 且未被排除的记录，返回回收数量。
func (t *Tracker) Sweep() int {
	now := t.now()
	cutoff := now.Add(-t.cfg.IdleTTL).UnixNano()
	evicted := 0
	t.records.Range(func(key, value any) bool {
		r := value.(*record)
		if r.lastSeen.Load() < cutoff && !r.excluded(now) {
			if _, ok := t.records.LoadAndDelete(key); ok {
				t.size.Add(-1)
				evicted++
			}
		}
		return true
	})
	return evicted
}

// evict 在记录数超限时回收：先回收空闲记录，仍超限则回收最久未见的未排除记录。
func (t *Tracker) evict(now time.Time, keep string) {
	t.Sweep()
	over := t.size.Load() - int64(t.cfg.MaxEntries)
	if over <= 0 {
		return
	}

	type candidate struct {
		endpoint string
		seen     int64
	}
	var candidates []candidate
	t.records.Range(func(key, value any) bool {
		r := value.(*record)
		if key.(string) != keep && !r.excluded(now) {
			candidates = append(candidates, candidate{endpoint: key.(string), seen: r.lastSeen.Load()})
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seen < candidates[j].seen })
	for i := 0; i < len(candidates) && int64(i) < over; i++ {
		if _, ok := t.records.LoadAndDelete(candidates[i].endpoint); ok {
			t.size.Add(-1)
		}
	}
}

// =============================================================================
// 📊 快照
// =============================================================================

// Snapshot 返回所有已跟踪端点的状态，按端点排序。
func (t *Tracker) Snapshot() []EndpointStatus {
	now := t.now()
	var out []EndpointStatus
	t.records.Range(func(key, value any) bool {
		r := value.(*record)
		r.mu.Lock()
		st := EndpointStatus{
			Endpoint:       key.(string),
			State:          r.state(now).String(),
			RecentFailures: r.failures,
			WindowStart:    r.windowStart,
			Trips:          r.trips,
			Failures:       r.failTotal,
			Successes:      r.okTotal,
		}
		if r.excluded(now) {
			st.ExcludedUntil = time.Unix(0, r.excludedUntil.Load()).UTC()
		}
		r.mu.Unlock()
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Excluded 返回当前被排除的端点数。
func (t *Tracker) Excluded() int {
	now := t.now()
	n := 0
	t.records.Range(func(_, value any) bool {
		if value.(*record).excluded(now) {
			n++
		}
		return true
	})
	return n
}

// Len 返回已跟踪的端点数。
func (t *Tracker) Len() int {
	return int(t.size.Load())
}
