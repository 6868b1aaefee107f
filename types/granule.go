package types

import "strings"

// ResolvedLocation 是解析得到的 (选择器, 时间范围, 端点) 映射。
// Alternates 为覆盖同一范围的备用端点，按优先级排列。
// Selectors 为该位置所服务的请求选择器在 QuerySpec.Epochs 中的序号（升序）。
type ResolvedLocation struct {
	Epoch      StreamEpoch `json:"epoch"`
	Endpoint   string      `json:"endpoint"`
	Alternates []string    `json:"alternates,omitempty"`
	Selectors  []int       `json:"selectors,omitempty"`
}

// Candidates 返回主端点与备用端点。
func (l ResolvedLocation) Candidates() []string {
	return append([]string{l.Endpoint}, l.Alternates...)
}

// =============================================================================
// 🧩 Granule
// =============================================================================

// GranuleState 分片状态
type GranuleState string

const (
	GranulePending    GranuleState = "pending"
	GranuleDispatched GranuleState = "dispatched"
	GranuleCompleted  GranuleState = "completed"
	GranuleFailed     GranuleState = "failed"
)

var granuleTransitions = map[GranuleState][]GranuleState{
	GranulePending:    {GranuleDispatched, GranuleFailed},
	GranuleDispatched: {GranuleCompleted, GranuleFailed},
}

// CanTransition 判断状态转换是否合法。
func (s GranuleState) CanTransition(to GranuleState) bool {
	for _, allowed := range granuleTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ChunkStatus 分片响应的完成状态
type ChunkStatus string

const (
	ChunkOK      ChunkStatus = "ok"
	ChunkPartial ChunkStatus = "partial"
	ChunkFailed  ChunkStatus = "failed"
)

// Granule 是原子的抓取单元。Seq 决定它在合并输出中的位置。
// Selectors 记录它服务的请求选择器，auto 失败策略按选择器判定整体失败。
type Granule struct {
	Seq        int           `json:"seq"`
	Resource   string        `json:"resource"`
	Endpoint   string        `json:"endpoint"`
	Alternates []string      `json:"alternates,omitempty"`
	Epochs     []StreamEpoch `json:"epochs"`
	Method     Method        `json:"method"`
	Group      string        `json:"group"`
	Selectors  []int         `json:"selectors,omitempty"`
}

// Candidates 返回按尝试顺序排列的端点。
func (g Granule) Candidates() []string {
	return append([]string{g.Endpoint}, g.Alternates...)
}

// Describe 返回用于日志与缺口标注的简短描述。
func (g Granule) Describe() string {
	parts := make([]string, 0, len(g.Epochs))
	for _, e := range g.Epochs {
		parts = append(parts, e.PostLine())
	}
	return strings.Join(parts, "; ")
}
