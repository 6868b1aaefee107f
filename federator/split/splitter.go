package split

import (
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/types"
)

// Policy 切分策略
type Policy struct {
	// SliceDuration 波形数据单个分片的最大时长，0 表示不切分
	SliceDuration time.Duration

	// MaxStreamsPerGranule 元数据类资源单个分片最多包含的流时段数
	MaxStreamsPerGranule int

	// MaxGranules 分片总数上限，超出返回 TOO_LARGE，0 表示不限
	MaxGranules int

	// GetMaxSelectors 选择器数不超过该值时使用 GET，否则使用 POST
	GetMaxSelectors int

	// Now 开放区间的参考时间。同一请求内必须固定，切分才是确定的
	Now time.Time
}

// Split 把解析结果切分为有序分片。纯函数：相同输入总是得到相同的分片序列。
func Split(resource string, locs []types.ResolvedLocation, p Policy) ([]types.Granule, error) {
	if p.GetMaxSelectors <= 0 {
		p.GetMaxSelectors = 1
	}
	if p.MaxStreamsPerGranule <= 0 {
		p.MaxStreamsPerGranule = 1
	}

	sorted := make([]types.ResolvedLocation, len(locs))
	copy(sorted, locs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Epoch.Equal(b.Epoch) {
			return a.Epoch.Less(b.Epoch)
		}
		return strings.Join(a.Candidates(), " ") < strings.Join(b.Candidates(), " ")
	})

	var granules []types.Granule
	if types.TimeSliced(resource) {
		granules = splitWaveform(resource, sorted, p)
	} else {
		granules = bundleMetadata(resource, sorted, p)
	}

	if p.MaxGranules > 0 && len(granules) > p.MaxGranules {
		return nil, types.Errorf(types.ErrTooLarge,
			"request resolves to %d sub-requests, the maximum is %d", len(granules), p.MaxGranules)
	}
	for i := range granules {
		granules[i].Seq = i
		granules[i].Method = types.MethodPost
		if len(granules[i].Epochs) <= p.GetMaxSelectors {
			granules[i].Method = types.MethodGet
		}
	}
	return granules, nil
}

// splitWaveform 每个流单独成组，长时段切为等长的连续片段，组内按时间排序。
func splitWaveform(resource string, locs []types.ResolvedLocation, p Policy) []types.Granule {
	var out []types.Granule
	for _, loc := range locs {
		n := 1
		if p.SliceDuration > 0 {
			d := loc.Epoch.Duration(p.Now)
			n = int((d + p.SliceDuration - 1) / p.SliceDuration)
		}
		for _, slice := range loc.Epoch.Slice(n, p.Now) {
			out = append(out, types.Granule{
				Resource:   resource,
				Endpoint:   loc.Endpoint,
				Alternates: loc.Alternates,
				Epochs:     []types.StreamEpoch{slice},
				Group:      loc.Epoch.ID(),
				Selectors:  loc.Selectors,
			})
		}
	}
	return out
}

// bundleMetadata 按网络分组，同一网络内相同端点集合的流时段打包，每包不超过 MaxStreamsPerGranule。
// 同一网络的分片在序列中连续，合并器据此拼接同一 Network 元素。
func bundleMetadata(resource string, locs []types.ResolvedLocation, p Policy) []types.Granule {
	type bundle struct {
		endpoint   string
		alternates []string
		locs       []types.ResolvedLocation
	}
	var networks []string
	keysByNet := map[string][]string{}
	bundles := map[string]map[string]*bundle{}

	for _, loc := range locs {
		net := loc.Epoch.Network
		if _, ok := bundles[net]; !ok {
			networks = append(networks, net)
			bundles[net] = map[string]*bundle{}
		}
		key := strings.Join(loc.Candidates(), " ")
		b, ok := bundles[net][key]
		if !ok {
			b = &bundle{endpoint: loc.Endpoint, alternates: loc.Alternates}
			bundles[net][key] = b
			keysByNet[net] = append(keysByNet[net], key)
		}
		b.locs = append(b.locs, loc)
	}
	sort.Strings(networks)

	var out []types.Granule
	for _, net := range networks {
		for _, key := range keysByNet[net] {
			b := bundles[net][key]
			for start := 0; start < len(b.locs); start += p.MaxStreamsPerGranule {
				end := min(start+p.MaxStreamsPerGranule, len(b.locs))
				epochs := make([]types.StreamEpoch, 0, end-start)
				var selectors []int
				for _, loc := range b.locs[start:end] {
					epochs = append(epochs, loc.Epoch)
					selectors = unionSelectors(selectors, loc.Selectors)
				}
				out = append(out, types.Granule{
					Resource:   resource,
					Endpoint:   b.endpoint,
					Alternates: b.alternates,
					Epochs:     epochs,
					Group:      net,
					Selectors:  selectors,
				})
			}
		}
	}
	return out
}

// unionSelectors 合并两个升序的选择器序号列表
func unionSelectors(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var v int
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			v = a[i]
			i++
		case i >= len(a) || b[j] < a[i]:
			v = b[j]
			j++
		default:
			v = a[i]
			i++
			j++
		}
		if n := len(out); n == 0 || out[n-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// Bisect 把每个流时段切为 factor 段，用于上游返回 413 时缩小请求。
// 无法再切分（无下界或过短）时返回 nil。
func Bisect(epochs []types.StreamEpoch, factor int, now time.Time) []types.StreamEpoch {
	if factor < 2 {
		factor = 2
	}
	var out []types.StreamEpoch
	divided := false
	for _, e := range epochs {
		slices := e.Slice(factor, now)
		if len(slices) > 1 {
			divided = true
		}
		out = append(out, slices...)
	}
	if !divided {
		return nil
	}
	return out
}
