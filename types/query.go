package types

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// 联邦资源类别
const (
	ResourceDataselect   = "dataselect"
	ResourceStation      = "station"
	ResourceAvailability = "availability"
	ResourceWFCatalog    = "wfcatalog"
)

// 输出格式
const (
	FormatMiniSEED = "miniseed"
	FormatText     = "text"
	FormatXML      = "xml"
	FormatJSON     = "json"
	FormatGeoCSV   = "geocsv"
	FormatRequest  = "request"
)

// Method 是向上游发起请求的 HTTP 方法。
type Method string

const (
	MethodGet  Method = http.MethodGet
	MethodPost Method = http.MethodPost
)

// resourceFormats 每个资源支持的格式，第一个为默认格式。
var resourceFormats = map[string][]string{
	ResourceDataselect:   {FormatMiniSEED},
	ResourceStation:      {FormatXML, FormatText},
	ResourceAvailability: {FormatText, FormatGeoCSV, FormatJSON, FormatRequest},
	ResourceWFCatalog:    {FormatJSON},
}

// TimeSliced 报告资源是否按时间片拆分请求（波形数据与波形统计）。
func TimeSliced(resource string) bool {
	return resource == ResourceDataselect || resource == ResourceWFCatalog
}

// SupportedFormats 返回资源支持的格式列表。
func SupportedFormats(resource string) []string {
	return resourceFormats[resource]
}

// 选择参数的别名，第一个为规范名。
var selectorParams = [][]string{
	{"network", "net"},
	{"station", "sta"},
	{"location", "loc"},
	{"channel", "cha"},
	{"starttime", "start"},
	{"endtime", "end"},
	{"minlatitude", "minlat"},
	{"maxlatitude", "maxlat"},
	{"minlongitude", "minlon"},
	{"maxlongitude", "maxlon"},
	{"latitude", "lat"},
	{"longitude", "lon"},
	{"granularity", "gran"},
}

// commonParams 所有资源都接受的参数。
var commonParams = []string{"format", "nodata"}

// resourceParams 每个资源允许透传给上游的参数，其余参数一律拒绝。
var resourceParams = map[string][]string{
	ResourceDataselect: {"quality", "minimumlength", "longestonly"},
	ResourceStation: {
		"level", "minlatitude", "maxlatitude", "minlongitude", "maxlongitude",
		"latitude", "longitude", "minradius", "maxradius",
		"startbefore", "startafter", "endbefore", "endafter",
		"includerestricted", "includeavailability", "updatedafter", "matchtimeseries",
	},
	ResourceAvailability: {"quality", "limit", "includerestricted", "orderby", "merge", "mergegaps", "show"},
	ResourceWFCatalog:    wfcatalogParams(),
}

// wfcatalogMetrics 支持比较后缀的 WFCatalog 指标名。
var wfcatalogMetrics = []string{
	"num_samples", "sample_max", "sample_min", "sample_mean", "sample_stdev",
	"sample_rms", "sample_median", "sample_lower_quartile", "sample_upper_quartile",
	"num_gaps", "num_overlaps", "max_gap", "max_overlap", "sum_gaps", "sum_overlaps",
	"percent_availability",
	"timing_quality_mean", "timing_quality_median", "timing_quality_lower_quartile",
	"timing_quality_upper_quartile", "timing_quality_max", "timing_quality_min",
	"timing_correction",
	"amplifier_saturation", "digitizer_clipping", "spikes", "glitches",
	"missing_padded_data", "telemetry_sync_error", "digital_filter_charging",
	"suspect_time_tag", "calibration_signal", "time_correction_applied",
	"event_begin", "event_end", "positive_leap", "negative_leap", "event_in_progress",
	"station_volume", "long_record_read", "short_record_read",
	"start_time_series", "end_time_series", "clock_locked",
}

func wfcatalogParams() []string {
	params := []string{
		"csegments", "granularity", "include", "longestonly", "minimumlength",
		"encoding", "num_records", "quality", "record_length", "sample_rate",
	}
	for _, m := range wfcatalogMetrics {
		for _, suffix := range []string{"", "_eq", "_gt", "_ge", "_lt", "_le", "_ne"} {
			params = append(params, m+suffix)
		}
	}
	return params
}

// stationLevels station 资源 level 参数的取值。
var stationLevels = []string{"network", "station", "channel", "response"}

// AllowedParam 判断参数是否可用于该资源。
func AllowedParam(resource, name string) bool {
	return contains(commonParams, name) || contains(resourceParams[resource], name)
}

func canonicalParam(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, aliases := range selectorParams {
		for _, a := range aliases {
			if a == key {
				return aliases[0]
			}
		}
	}
	return key
}

// QuerySpec 是规范化后的客户端请求，接受后不可修改。
type QuerySpec struct {
	Resource string            `json:"resource"`
	Format   string            `json:"format"`
	Method   Method            `json:"method"`
	Epochs   []StreamEpoch     `json:"epochs"`
	Params   map[string]string `json:"params,omitempty"`
	NoData   int               `json:"nodata"`
}

// Param 返回透传参数的值。
func (q *QuerySpec) Param(name string) string {
	return q.Params[strings.ToLower(name)]
}

// ParamKeys 返回排序后的透传参数名。
func (q *QuerySpec) ParamKeys() []string {
	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate 校验请求，失败时返回 INVALID_REQUEST。
func (q *QuerySpec) Validate() error {
	formats, ok := resourceFormats[q.Resource]
	if !ok {
		return Errorf(ErrInvalidRequest, "unknown resource %q", q.Resource)
	}
	if !contains(formats, q.Format) {
		return Errorf(ErrInvalidRequest, "format %q not supported by %s", q.Format, q.Resource)
	}
	if q.NoData != 204 && q.NoData != 404 {
		return Errorf(ErrInvalidRequest, "nodata must be 204 or 404")
	}
	if len(q.Epochs) == 0 {
		return NewError(ErrInvalidRequest, "no stream epochs given")
	}
	for _, e := range q.Epochs {
		if !validCodes(e.Stream) {
			return Errorf(ErrInvalidRequest, "invalid selector %s", e.ID())
		}
		if !e.Valid() {
			return Errorf(ErrInvalidRequest, "start must be before end for %s", e.ID())
		}
		switch q.Resource {
		case ResourceDataselect:
			if e.Start.IsZero() {
				return Errorf(ErrInvalidRequest, "starttime is required for %s", e.ID())
			}
		case ResourceWFCatalog:
			if e.Start.IsZero() || e.End.IsZero() {
				return Errorf(ErrInvalidRequest, "starttime and endtime are required for %s", e.ID())
			}
		}
	}
	if level := q.Params["level"]; level != "" && !contains(stationLevels, level) {
		return Errorf(ErrInvalidRequest, "invalid level %q", level)
	}
	return nil
}

func validCodes(s Stream) bool {
	for _, code := range []string{s.Network, s.Station, s.Location, s.Channel} {
		for _, r := range code {
			switch {
			case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			case r == '*' || r == '?' || r == '_':
			default:
				return false
			}
		}
	}
	return s.Network != "" && s.Station != "" && s.Channel != ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// 🔍 解析
// =============================================================================

// ParseQueryValues 从 GET 查询参数构造 QuerySpec。
// 逗号分隔的代码列表按笛卡尔积展开为多个选择器。
func ParseQueryValues(resource string, values url.Values) (*QuerySpec, error) {
	q := newQuery(resource, MethodGet)
	selectors := map[string][]string{}
	var start, end string
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		name := canonicalParam(key)
		val := strings.TrimSpace(vals[len(vals)-1])
		switch name {
		case "network", "station", "location", "channel":
			selectors[name] = append(selectors[name], splitList(val)...)
		case "starttime":
			start = val
		case "endtime":
			end = val
		default:
			if err := q.setParam(name, val); err != nil {
				return nil, err
			}
		}
	}

	startTime, err := ParseTime(start)
	if err != nil {
		return nil, err
	}
	endTime, err := ParseTime(end)
	if err != nil {
		return nil, err
	}
	for _, net := range listOrAny(selectors["network"]) {
		for _, sta := range listOrAny(selectors["station"]) {
			for _, loc := range listOrAny(selectors["location"]) {
				for _, cha := range listOrAny(selectors["channel"]) {
					q.Epochs = append(q.Epochs, StreamEpoch{
						Stream: Stream{Network: net, Station: sta, Location: NormalizeLocation(loc), Channel: cha},
						Start:  startTime,
						End:    endTime,
					})
				}
			}
		}
	}
	return q.finish()
}

// ParsePostBody 从 POST 请求体构造 QuerySpec：先是 key=value 行，然后是选择器行。
func ParsePostBody(resource string, r io.Reader) (*QuerySpec, error) {
	q := newQuery(resource, MethodPost)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if err := q.setParam(canonicalParam(k), strings.TrimSpace(v)); err != nil {
				return nil, err
			}
			continue
		}
		e, err := ParsePostLine(line)
		if err != nil {
			return nil, err
		}
		q.Epochs = append(q.Epochs, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError(ErrInvalidRequest, "unreadable request body").WithCause(err)
	}
	return q.finish()
}

func newQuery(resource string, method Method) *QuerySpec {
	q := &QuerySpec{Resource: resource, Method: method, Params: map[string]string{}, NoData: 204}
	if formats := resourceFormats[resource]; len(formats) > 0 {
		q.Format = formats[0]
	}
	return q
}

func (q *QuerySpec) setParam(name, val string) error {
	switch name {
	case "format":
		q.Format = strings.ToLower(val)
		if q.Format == "mseed" {
			q.Format = FormatMiniSEED
		}
	case "nodata":
		n, err := strconv.Atoi(val)
		if err != nil {
			return Errorf(ErrInvalidRequest, "invalid nodata %q", val)
		}
		q.NoData = n
	case "network", "station", "location", "channel", "starttime", "endtime":
		return Errorf(ErrInvalidRequest, "selector parameter %q not allowed in POST header", name)
	default:
		if !AllowedParam(q.Resource, name) {
			return Errorf(ErrInvalidRequest, "unknown parameter %q for %s", name, q.Resource)
		}
		if name == "level" {
			val = strings.ToLower(val)
		}
		q.Params[name] = val
	}
	return nil
}

func (q *QuerySpec) finish() (*QuerySpec, error) {
	q.Epochs = SortEpochs(q.Epochs)
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func listOrAny(list []string) []string {
	if len(list) == 0 {
		return []string{"*"}
	}
	return list
}
