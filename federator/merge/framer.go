package merge

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// Framer 把分片负载重新组帧为目标格式。
//
// Frame 必须先完整校验分片再写出：校验失败返回 MERGE_ALIGNMENT 且不写任何字节，
// 合并器据此把该分片当作缺口处理。其它错误视为写出失败。
type Framer interface {
	ContentType() string
	Begin(w io.Writer) error
	Frame(w io.Writer, g types.Granule, c *spool.Chunk) error
	Gap(w io.Writer, gap Gap) error
	End(w io.Writer) error
}

// Gap 被省略的分片
type Gap struct {
	Seq      int             `json:"seq"`
	Selector string          `json:"selector"`
	Endpoint string          `json:"endpoint,omitempty"`
	Code     types.ErrorCode `json:"code"`
	Message  string          `json:"message"`
}

// String 用于响应 trailer 与带内注释
func (g Gap) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "seq=%d %s", g.Seq, g.Code)
	if g.Endpoint != "" {
		fmt.Fprintf(&b, " endpoint=%s", g.Endpoint)
	}
	fmt.Fprintf(&b, " selector=%q", g.Selector)
	return b.String()
}

// FramerOptions 组帧选项
type FramerOptions struct {
	// Overlap 波形数据跨分片重叠时的处理策略
	Overlap OverlapPolicy
	// FallbackRecordLength 找不到 blockette 1000 时使用的记录长度
	FallbackRecordLength int
	// Source / Sender 写入 StationXML 头部
	Source string
	Sender string
	// Now StationXML Created 时间
	Now func() time.Time
	// MaxBuffered StationXML 合并时一个分组最多累积的字节数，超过后提前写出已合并部分。
	// 0 表示默认值 8 MiB，负数表示不限制
	MaxBuffered int64
}

// OverlapPolicy 重叠处理策略
type OverlapPolicy string

const (
	// OverlapPreferFirst 序号靠前的分片优先，后续重叠记录丢弃
	OverlapPreferFirst OverlapPolicy = "prefer-first"
	// OverlapReject 出现内容不同的重叠记录时返回 MERGE_ALIGNMENT
	OverlapReject OverlapPolicy = "reject"
)

// NewFramer 按资源与格式创建 Framer
func NewFramer(resource, format string, opts FramerOptions, logger *zap.Logger) (Framer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "framer"), zap.String("format", format))
	switch format {
	case types.FormatMiniSEED:
		return NewMiniSEEDFramer(opts, logger), nil
	case types.FormatText:
		return NewTextFramer(resource, logger), nil
	case types.FormatGeoCSV:
		return NewGeoCSVFramer(logger), nil
	case types.FormatRequest:
		return NewRequestFramer(logger), nil
	case types.FormatJSON:
		switch resource {
		case types.ResourceAvailability:
			return NewAvailabilityJSONFramer(opts, logger), nil
		case types.ResourceWFCatalog:
			return NewWFCatalogFramer(logger), nil
		}
	case types.FormatXML:
		if resource != types.ResourceStation {
			break
		}
		return NewStationXMLFramer(opts, logger), nil
	}
	return nil, types.Errorf(types.ErrInvalidRequest, "format %q is not supported for %s", format, resource)
}

func alignmentError(g types.Granule, format string, args ...any) error {
	return types.Errorf(types.ErrMergeAlignment, format, args...).WithEndpoint(g.Endpoint)
}
