package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// FailurePolicy 分片失败时的合并策略
type FailurePolicy string

const (
	// PolicyAuto 任一请求选择器的全部分片都失败时整个会话失败，否则按 best-effort 继续
	PolicyAuto FailurePolicy = "auto"
	// PolicyStrict 任一分片失败即中止会话
	PolicyStrict FailurePolicy = "strict"
	// PolicyBestEffort 记录缺口并继续，从不因上游失败中止
	PolicyBestEffort FailurePolicy = "best-effort"
)

// ParseFailurePolicy 解析策略名，空字符串为 auto
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyStrict, PolicyBestEffort:
		return FailurePolicy(s), nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

// Result 合并结果
type Result struct {
	Written   int64 `json:"written"`
	Granules  int   `json:"granules"`
	Succeeded int   `json:"succeeded"`
	Failed    []Gap `json:"failed,omitempty"`
	Partial   bool  `json:"partial"`
}

// =============================================================================
// 🔀 Merger
// =============================================================================

// Merger 严格按序号消费分片结果。先完成的结果暂存在重排缓冲中，
// 其数量受分发窗口限制；每消费一个分片归还一个窗口令牌。
type Merger struct {
	framer Framer
	policy FailurePolicy
	window *dispatch.Window
	logger *zap.Logger
}

// NewMerger 创建合并器，window 可为 nil
func NewMerger(framer Framer, policy FailurePolicy, window *dispatch.Window, logger *zap.Logger) *Merger {
	if policy == "" {
		policy = PolicyAuto
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		framer: framer,
		policy: policy,
		window: window,
		logger: logger.With(zap.String("component", "merger")),
	}
}

// ContentType 输出内容类型
func (m *Merger) ContentType() string { return m.framer.ContentType() }

// Run 消费 n 个分片结果并写出合并后的文档。
// 头部在第一个非空分片到达时才写出，全部失败时不写任何字节。
func (m *Merger) Run(ctx context.Context, n int, in <-chan dispatch.Outcome, w io.Writer) (Result, error) {
	cw := &countingWriter{w: w}
	st := &mergeState{
		cw:        cw,
		w:         &deferredWriter{w: cw},
		held:      make(map[int]dispatch.Outcome),
		res:       Result{Granules: n},
		selectors: make(map[int]*selectorTally),
	}
	defer st.releaseHeld()

	for next := 0; next < n; {
		if o, ok := st.held[next]; ok {
			delete(st.held, next)
			err := m.consume(st, o)
			if m.window != nil {
				m.window.Release()
			}
			if err != nil {
				st.res.Written = st.cw.n
				return st.res, err
			}
			next++
			continue
		}

		select {
		case <-ctx.Done():
			st.res.Written = st.cw.n
			return st.res, types.NewError(types.ErrCancelled, "merge cancelled").WithCause(ctx.Err())
		case o, ok := <-in:
			if !ok {
				st.res.Written = st.cw.n
				return st.res, types.Errorf(types.ErrCancelled, "dispatch ended after %d of %d granules", next, n)
			}
			st.held[o.Seq()] = o
		}
	}

	if m.policy == PolicyAuto {
		if err := st.unserved(); err != nil {
			st.res.Written = st.cw.n
			return st.res, err
		}
	}
	if st.begun {
		if err := m.framer.End(st.w); err != nil {
			st.res.Written = st.cw.n
			return st.res, err
		}
	}
	st.res.Written = st.cw.n
	return st.res, nil
}

// mergeState 单次 Run 的状态。opened 表示已调用 Begin，
// begun 表示至少一个非空分片被 Framer 接受，只有 begun 时才调用 End。
type mergeState struct {
	cw        *countingWriter
	w         *deferredWriter
	held      map[int]dispatch.Outcome
	res       Result
	opened    bool
	begun     bool
	pending   []Gap
	selectors map[int]*selectorTally
}

// selectorTally 单个请求选择器的分片结果计数
type selectorTally struct {
	succeeded int
	failed    []Gap
}

// noSelector 未记录选择器的分片统一计入该键
const noSelector = -1

func (s *mergeState) tally(g types.Granule) []*selectorTally {
	keys := g.Selectors
	if len(keys) == 0 {
		keys = []int{noSelector}
	}
	out := make([]*selectorTally, 0, len(keys))
	for _, k := range keys {
		t, ok := s.selectors[k]
		if !ok {
			t = &selectorTally{}
			s.selectors[k] = t
		}
		out = append(out, t)
	}
	return out
}

func (s *mergeState) succeeded(g types.Granule) {
	s.res.Succeeded++
	for _, t := range s.tally(g) {
		t.succeeded++
	}
}

func (s *mergeState) failed(g types.Granule, gap Gap) {
	for _, t := range s.tally(g) {
		t.failed = append(t.failed, gap)
	}
}

// unserved 返回第一个所有分片均失败的选择器对应的错误
func (s *mergeState) unserved() error {
	keys := make([]int, 0, len(s.selectors))
	for k := range s.selectors {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		t := s.selectors[k]
		if t.succeeded > 0 || len(t.failed) == 0 {
			continue
		}
		first := t.failed[0]
		return types.Errorf(types.ErrServiceUnavailable,
			"all %d sub-requests for %s failed, first: %s", len(t.failed), first.Selector, first.Message).
			WithEndpoint(first.Endpoint)
	}
	return nil
}

func (s *mergeState) releaseHeld() {
	for seq, o := range s.held {
		if o.Chunk != nil {
			o.Chunk.Release()
		}
		delete(s.held, seq)
	}
}

// consume 处理单个分片。返回的错误会中止整个会话。
func (m *Merger) consume(st *mergeState, o dispatch.Outcome) error {
	err := o.Err
	if o.Status == types.ChunkOK && o.Chunk != nil {
		err = m.frame(st, o)
		if err == nil {
			st.succeeded(o.Granule)
			return nil
		}
		if !types.IsErrorCode(err, types.ErrMergeAlignment) {
			return err
		}
		m.logger.Warn("granule payload rejected by framer",
			zap.Int("seq", o.Seq()), zap.String("endpoint", o.Endpoint), zap.Error(err))
	}
	if err == nil {
		err = types.Errorf(types.ErrUpstreamError, "granule %d failed", o.Seq())
	}
	if types.IsErrorCode(err, types.ErrCancelled) {
		return err
	}

	gap := Gap{
		Seq:      o.Seq(),
		Selector: o.Granule.Describe(),
		Endpoint: o.Endpoint,
		Code:     types.GetErrorCode(err),
		Message:  err.Error(),
	}
	if gap.Code == "" {
		gap.Code = types.ErrUpstreamError
	}

	if m.policy == PolicyStrict {
		return types.Errorf(types.ErrServiceUnavailable, "granule %d failed", o.Seq()).
			WithCause(err).WithEndpoint(o.Endpoint)
	}

	st.res.Failed = append(st.res.Failed, gap)
	st.res.Partial = true
	st.failed(o.Granule, gap)
	if !st.begun {
		st.pending = append(st.pending, gap)
		return nil
	}
	return m.framer.Gap(st.w, gap)
}

// frame 把分片交给 Framer。Begin 只调用一次，其输出缓存到分片第一次真正写出时；
// 只有 Frame 成功后才视为输出已开始。
func (m *Merger) frame(st *mergeState, o dispatch.Outcome) error {
	defer o.Chunk.Release()
	if o.Chunk.Size() == 0 {
		return nil
	}
	if !st.opened {
		var head bytes.Buffer
		if err := m.framer.Begin(&head); err != nil {
			return err
		}
		st.w.prefix = head.Bytes()
		st.opened = true
	}
	if !st.begun {
		for _, gap := range st.pending {
			if err := m.framer.Gap(st.w, gap); err != nil {
				return err
			}
		}
		st.pending = nil
	}
	if err := m.framer.Frame(st.w, o.Granule, o.Chunk); err != nil {
		return err
	}
	st.begun = true
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

// deferredWriter 在第一次写入时先写出 prefix
type deferredWriter struct {
	w      io.Writer
	prefix []byte
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	if len(d.prefix) > 0 {
		if _, err := d.w.Write(d.prefix); err != nil {
			return 0, err
		}
		d.prefix = nil
	}
	return d.w.Write(p)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
