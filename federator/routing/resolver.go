package routing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// Limits 单个资源的请求规模上限，超出时返回 TOO_LARGE。
type Limits struct {
	MaxEpochDuration time.Duration // 单个流时段的最大时长，0 表示不限
	MaxTotalDuration time.Duration // 全部流时段的总时长上限，0 表示不限
}

// ResolverConfig 解析器配置
type ResolverConfig struct {
	// PageSize 每次向路由目录提交的选择器数量
	PageSize int

	// VirtualNetworks 虚拟网络代码 -> 成员选择器
	VirtualNetworks map[string][]types.Stream

	// Endpoints 资源 -> 允许的端点列表，为空表示不限制
	Endpoints map[string][]string

	// Limits 资源 -> 规模上限
	Limits map[string]Limits
}

// Resolver 把 QuerySpec 解析为互不重叠、完整覆盖请求的 ResolvedLocation 序列。
type Resolver struct {
	dir     Directory
	cfg     ResolverConfig
	allowed map[string]map[string]bool
	logger  *zap.Logger
	now     func() time.Time
}

// NewResolver 创建解析器
func NewResolver(dir Directory, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	allowed := make(map[string]map[string]bool, len(cfg.Endpoints))
	for resource, endpoints := range cfg.Endpoints {
		if len(endpoints) == 0 {
			continue
		}
		set := make(map[string]bool, len(endpoints))
		for _, ep := range endpoints {
			set[strings.TrimRight(ep, "/")] = true
		}
		allowed[resource] = set
	}
	return &Resolver{
		dir:     dir,
		cfg:     cfg,
		allowed: allowed,
		logger:  logger.With(zap.String("component", "resolver")),
		now:     time.Now,
	}
}

// selector 是发往路由目录的一个选择器；member 非空时结果还须匹配虚拟网络成员模式。
// index 为它在 QuerySpec.Epochs 中的位置，虚拟网络展开出的成员共享原选择器的 index。
type selector struct {
	epoch  types.StreamEpoch
	member *types.Stream
	index  int
}

func (s selector) accepts(st types.Stream) bool {
	return s.epoch.Matches(st) && (s.member == nil || s.member.Matches(st))
}

// candidate 裁剪后的单条映射
type candidate struct {
	epoch    types.StreamEpoch
	endpoint string
	priority int
	order    int
	selector int
}

// Resolve 解析查询。无匹配时返回空切片而不是错误。
func (r *Resolver) Resolve(ctx context.Context, q *types.QuerySpec) ([]types.ResolvedLocation, error) {
	selectors := r.expand(q.Epochs)

	requests := make([]types.StreamEpoch, 0, len(selectors))
	for _, s := range selectors {
		requests = append(requests, s.epoch)
	}
	requests = types.SortEpochs(requests)

	var routes []Route
	for start := 0; start < len(requests); start += r.cfg.PageSize {
		end := min(start+r.cfg.PageSize, len(requests))
		page, err := r.dir.Lookup(ctx, q.Resource, requests[start:end])
		if err != nil {
			return nil, asResolutionError(err)
		}
		routes = append(routes, page...)
	}

	candidates := r.trim(q.Resource, selectors, routes)
	locations := partition(candidates)
	if err := r.checkLimits(q.Resource, locations); err != nil {
		return nil, err
	}

	r.logger.Debug("query resolved",
		zap.String("resource", q.Resource),
		zap.Int("selectors", len(selectors)),
		zap.Int("routes", len(routes)),
		zap.Int("locations", len(locations)),
	)
	return locations, nil
}

// expand 展开虚拟网络。请求字段与成员字段取交集，无法精确取交集时由 member 在结果上过滤。
func (r *Resolver) expand(epochs []types.StreamEpoch) []selector {
	var out []selector
	for idx, e := range epochs {
		members, ok := r.cfg.VirtualNetworks[e.Network]
		if !ok {
			out = append(out, selector{epoch: e, index: idx})
			continue
		}
		for i := range members {
			m := members[i]
			narrowed, ok := narrow(e, m)
			if !ok {
				continue
			}
			out = append(out, selector{epoch: narrowed, member: &members[i], index: idx})
		}
	}
	return out
}

func narrow(e types.StreamEpoch, m types.Stream) (types.StreamEpoch, bool) {
	out := e
	out.Network = m.Network
	var ok bool
	if out.Station, ok = intersectCode(m.Station, e.Station); !ok {
		return out, false
	}
	if out.Location, ok = intersectCode(m.Location, e.Location); !ok {
		return out, false
	}
	if out.Channel, ok = intersectCode(m.Channel, e.Channel); !ok {
		return out, false
	}
	return out, true
}

func intersectCode(member, req string) (string, bool) {
	switch {
	case req == "*" || req == member:
		return member, true
	case member == "*":
		return req, true
	case !strings.ContainsAny(member, "*?"):
		return member, types.Stream{Network: req}.Matches(types.Stream{Network: member})
	case !strings.ContainsAny(req, "*?"):
		return req, types.Stream{Network: member}.Matches(types.Stream{Network: req})
	default:
		return req, true
	}
}

// trim 过滤端点白名单，并把路由时间范围裁剪到请求范围内。
func (r *Resolver) trim(resource string, selectors []selector, routes []Route) []candidate {
	allow := r.allowed[resource]
	var out []candidate
	for i, route := range routes {
		endpoint := strings.TrimRight(route.Endpoint, "/")
		if allow != nil && !allow[endpoint] {
			r.logger.Debug("endpoint not in allow-list", zap.String("endpoint", endpoint))
			continue
		}
		if route.Epoch.HasWildcards() {
			continue
		}
		for _, s := range selectors {
			if !s.accepts(route.Epoch.Stream) {
				continue
			}
			trimmed, ok := route.Epoch.Intersect(s.epoch)
			if !ok {
				continue
			}
			out = append(out, candidate{
				epoch:    trimmed,
				endpoint: endpoint,
				priority: route.Priority,
				order:    i,
				selector: s.index,
			})
		}
	}
	return out
}

// partition 按具体选择器把候选映射切分为互不重叠的区段。
// 被多个端点覆盖的区段合并为一个位置，第一个端点为主端点，其余为备用端点。
func partition(cands []candidate) []types.ResolvedLocation {
	byStream := map[types.Stream][]candidate{}
	var streams []types.Stream
	for _, c := range cands {
		if _, ok := byStream[c.epoch.Stream]; !ok {
			streams = append(streams, c.epoch.Stream)
		}
		byStream[c.epoch.Stream] = append(byStream[c.epoch.Stream], c)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID() < streams[j].ID() })

	var out []types.ResolvedLocation
	for _, st := range streams {
		out = append(out, partitionStream(st, byStream[st])...)
	}
	return out
}

func partitionStream(st types.Stream, cands []candidate) []types.ResolvedLocation {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].order < cands[j].order
	})

	bounds := make([]time.Time, 0, 2*len(cands))
	for _, c := range cands {
		bounds = append(bounds, startKey(c.epoch.Start), endKey(c.epoch.End))
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Before(bounds[j]) })
	bounds = uniqueTimes(bounds)

	var out []types.ResolvedLocation
	var lastEnd time.Time
	for i := 0; i+1 < len(bounds); i++ {
		a, b := bounds[i], bounds[i+1]
		var endpoints []string
		var selectors []int
		for _, c := range cands {
			if startKey(c.epoch.Start).After(a) || endKey(c.epoch.End).Before(b) {
				continue
			}
			if !containsString(endpoints, c.endpoint) {
				endpoints = append(endpoints, c.endpoint)
			}
			selectors = addSelector(selectors, c.selector)
		}
		if len(endpoints) == 0 {
			continue
		}
		if n := len(out); n > 0 && lastEnd.Equal(a) && sameEndpoints(out[n-1], endpoints) {
			out[n-1].Epoch.End = fromEndKey(b)
			for _, sel := range selectors {
				out[n-1].Selectors = addSelector(out[n-1].Selectors, sel)
			}
			lastEnd = b
			continue
		}
		loc := types.ResolvedLocation{
			Epoch:     types.StreamEpoch{Stream: st, Start: fromStartKey(a), End: fromEndKey(b)},
			Endpoint:  endpoints[0],
			Selectors: selectors,
		}
		if len(endpoints) > 1 {
			loc.Alternates = endpoints[1:]
		}
		out = append(out, loc)
		lastEnd = b
	}
	return out
}

func (r *Resolver) checkLimits(resource string, locations []types.ResolvedLocation) error {
	limits, ok := r.cfg.Limits[resource]
	if !ok {
		return nil
	}
	now := r.now()
	var total time.Duration
	for _, loc := range locations {
		d := loc.Epoch.Duration(now)
		if limits.MaxEpochDuration > 0 && d > limits.MaxEpochDuration {
			return types.Errorf(types.ErrTooLarge, "stream epoch %s exceeds the maximum duration of %s",
				loc.Epoch.ID(), limits.MaxEpochDuration)
		}
		total += d
	}
	if limits.MaxTotalDuration > 0 && total > limits.MaxTotalDuration {
		return types.Errorf(types.ErrTooLarge, "requested stream epochs exceed the total duration of %s",
			limits.MaxTotalDuration)
	}
	return nil
}

// openEnd 代表正无穷的结束边界。区段边界直接比较 time.Time，
// 不经 UnixNano 转换，1678 年之前与 2262 年之后的时间同样有效。
var openEnd = time.Unix(1<<62, 0).UTC()

// 零值开始时间即最早时刻，零值结束时间映射为 openEnd。
func startKey(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func endKey(t time.Time) time.Time {
	if t.IsZero() {
		return openEnd
	}
	return t.UTC()
}

func fromStartKey(k time.Time) time.Time {
	if k.IsZero() {
		return time.Time{}
	}
	return k
}

func fromEndKey(k time.Time) time.Time {
	if k.Equal(openEnd) {
		return time.Time{}
	}
	return k
}

func uniqueTimes(s []time.Time) []time.Time {
	out := s[:0]
	for i, v := range s {
		if i == 0 || !v.Equal(out[len(out)-1]) {
			out = append(out, v)
		}
	}
	return out
}

// addSelector 有序插入选择器序号并去重
func addSelector(list []int, sel int) []int {
	i := sort.SearchInts(list, sel)
	if i < len(list) && list[i] == sel {
		return list
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = sel
	return list
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sameEndpoints(loc types.ResolvedLocation, endpoints []string) bool {
	cands := loc.Candidates()
	if len(cands) != len(endpoints) {
		return false
	}
	for i := range cands {
		if cands[i] != endpoints[i] {
			return false
		}
	}
	return true
}
