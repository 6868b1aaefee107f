package types

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// TimeLayout 是 FDSN 时间的输出格式。
const TimeLayout = "2006-01-02T15:04:05"

const timeLayoutMicro = "2006-01-02T15:04:05.000000"

// 解析时接受的时间格式；小数秒由 time.Parse 自动接受。
var parseLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime 解析 FDSN 时间字符串，结果统一为 UTC。
// "*" 与空串返回零值，表示无界。
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return time.Time{}, nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, Errorf(ErrInvalidRequest, "invalid time %q", s)
}

// FormatTime 按 FDSN 格式输出时间，零值输出 "*"。
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	t = t.UTC()
	if t.Nanosecond() == 0 {
		return t.Format(TimeLayout)
	}
	return t.Format(timeLayoutMicro)
}

// =============================================================================
// 📡 Stream
// =============================================================================

// Stream 是 FDSN 的 NET.STA.LOC.CHA 选择器，字段可以包含 * 与 ? 通配符。
type Stream struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
}

// NormalizeLocation 将 "--" 规范为空位置码。
func NormalizeLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "--" {
		return ""
	}
	return loc
}

// ID 返回 NET.STA.LOC.CHA 形式的标识。
func (s Stream) ID() string {
	return s.Network + "." + s.Station + "." + s.Location + "." + s.Channel
}

func (s Stream) String() string { return s.ID() }

// HasWildcards 判断任一字段是否包含通配符。
func (s Stream) HasWildcards() bool {
	return strings.ContainsAny(s.Network+s.Station+s.Location+s.Channel, "*?")
}

// Matches 判断模式 s 是否匹配具体选择器 o。
func (s Stream) Matches(o Stream) bool {
	return matchCode(s.Network, o.Network) &&
		matchCode(s.Station, o.Station) &&
		matchCode(s.Location, o.Location) &&
		matchCode(s.Channel, o.Channel)
}

func matchCode(pattern, code string) bool {
	if pattern == "" {
		return code == ""
	}
	ok, err := path.Match(pattern, code)
	return err == nil && ok
}

// =============================================================================
// ⏱️ StreamEpoch
// =============================================================================

// StreamEpoch 是带时间范围的选择器。零值 Start 表示无下界，零值 End 表示开放区间。
type StreamEpoch struct {
	Stream
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// OpenEnded 判断结束时间是否开放。
func (e StreamEpoch) OpenEnded() bool { return e.End.IsZero() }

// EndOr 返回结束时间，开放时使用 now。
func (e StreamEpoch) EndOr(now time.Time) time.Time {
	if e.End.IsZero() {
		return now
	}
	return e.End
}

// Duration 返回时长；无下界时返回 0。
func (e StreamEpoch) Duration(now time.Time) time.Duration {
	if e.Start.IsZero() {
		return 0
	}
	d := e.EndOr(now).Sub(e.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Valid 判断时间范围是否非空。
func (e StreamEpoch) Valid() bool {
	return startBefore(e.Start, e.End)
}

// Overlaps 判断两个时间范围是否相交（不比较选择器）。
func (e StreamEpoch) Overlaps(o StreamEpoch) bool {
	return startBefore(e.Start, o.End) && startBefore(o.Start, e.End)
}

// Intersect 返回与 o 的时间交集，保留 e 的选择器。
func (e StreamEpoch) Intersect(o StreamEpoch) (StreamEpoch, bool) {
	out := StreamEpoch{Stream: e.Stream, Start: laterStart(e.Start, o.Start), End: earlierEnd(e.End, o.End)}
	return out, out.Valid()
}

// Slice 把时间范围切为 n 段等长的连续区间。
// 无下界或 n<=1 时原样返回；开放区间的最后一段保持开放。
func (e StreamEpoch) Slice(n int, now time.Time) []StreamEpoch {
	if n <= 1 || e.Start.IsZero() {
		return []StreamEpoch{e}
	}
	end := e.EndOr(now)
	if !e.Start.Before(end) {
		return []StreamEpoch{e}
	}
	step := end.Sub(e.Start) / time.Duration(n)
	if step <= 0 {
		return []StreamEpoch{e}
	}
	out := make([]StreamEpoch, 0, n)
	cur := e.Start
	for i := 0; i < n; i++ {
		next := cur.Add(step)
		if i == n-1 {
			next = e.End
		}
		out = append(out, StreamEpoch{Stream: e.Stream, Start: cur, End: next})
		cur = next
	}
	return out
}

// Less 定义确定性的排序：选择器标识、开始时间、结束时间（开放区间在后）。
func (e StreamEpoch) Less(o StreamEpoch) bool {
	if a, b := e.ID(), o.ID(); a != b {
		return a < b
	}
	if !e.Start.Equal(o.Start) {
		return e.Start.Before(o.Start)
	}
	switch {
	case e.End.Equal(o.End):
		return false
	case e.End.IsZero():
		return false
	case o.End.IsZero():
		return true
	default:
		return e.End.Before(o.End)
	}
}

// Equal 判断选择器与时间范围均相同。
func (e StreamEpoch) Equal(o StreamEpoch) bool {
	return e.Stream == o.Stream && e.Start.Equal(o.Start) && e.End.Equal(o.End)
}

// PostLine 输出 POST 行格式：NET STA LOC CHA START END。
func (e StreamEpoch) PostLine() string {
	loc := e.Location
	if loc == "" {
		loc = "--"
	}
	return fmt.Sprintf("%s %s %s %s %s %s",
		e.Network, e.Station, loc, e.Channel, FormatTime(e.Start), FormatTime(e.End))
}

// ParsePostLine 解析一行 NET STA LOC CHA START [END]。
func ParsePostLine(line string) (StreamEpoch, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 && len(fields) != 6 {
		return StreamEpoch{}, Errorf(ErrInvalidRequest, "malformed selector line %q", line)
	}
	start, err := ParseTime(fields[4])
	if err != nil {
		return StreamEpoch{}, err
	}
	var end time.Time
	if len(fields) == 6 {
		if end, err = ParseTime(fields[5]); err != nil {
			return StreamEpoch{}, err
		}
	}
	e := StreamEpoch{
		Stream: Stream{
			Network:  fields[0],
			Station:  fields[1],
			Location: NormalizeLocation(fields[2]),
			Channel:  fields[3],
		},
		Start: start,
		End:   end,
	}
	if !e.Valid() {
		return StreamEpoch{}, Errorf(ErrInvalidRequest, "start must be before end in %q", line)
	}
	return e, nil
}

// SortEpochs 按 Less 排序并去掉完全相同的项。
func SortEpochs(epochs []StreamEpoch) []StreamEpoch {
	sort.SliceStable(epochs, func(i, j int) bool { return epochs[i].Less(epochs[j]) })
	out := epochs[:0]
	for i, e := range epochs {
		if i > 0 && e.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// startBefore 判断开始时间 s 是否早于结束时间 t（s 零值为负无穷，t 零值为正无穷）。
func startBefore(s, t time.Time) bool {
	if s.IsZero() || t.IsZero() {
		return true
	}
	return s.Before(t)
}

func laterStart(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.After(b) {
		return a
	}
	return b
}

func earlierEnd(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// ParseStreamPattern 解析 NET.STA.LOC.CHA 形式的选择器，缺省字段视为 "*"。
func ParseStreamPattern(s string) (Stream, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 4 || parts[0] == "" {
		return Stream{}, Errorf(ErrInvalidRequest, "invalid stream pattern %q", s)
	}
	for len(parts) < 4 {
		parts = append(parts, "*")
	}
	st := Stream{Network: parts[0], Station: parts[1], Location: NormalizeLocation(parts[2]), Channel: parts[3]}
	if !validCodes(st) {
		return Stream{}, Errorf(ErrInvalidRequest, "invalid stream pattern %q", s)
	}
	return st, nil
}
