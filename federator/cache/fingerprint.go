package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/types"
)

// Fingerprint 计算请求的规范化指纹：流时段与参数的顺序不影响结果，
// nodata 不参与计算。granularity > 0 时起始时间向下、结束时间向上取整，
// 开放的结束时间保持开放。
func Fingerprint(q *types.QuerySpec, granularity time.Duration) string {
	lines := make([]string, 0, len(q.Epochs))
	for _, e := range q.Epochs {
		start, end := e.Start, e.End
		if granularity > 0 {
			if !start.IsZero() {
				start = start.Truncate(granularity)
			}
			if !end.IsZero() {
				if t := end.Truncate(granularity); t.Before(end) {
					end = t.Add(granularity)
				}
			}
		}
		lines = append(lines, types.StreamEpoch{Stream: e.Stream, Start: start, End: end}.PostLine())
	}
	sort.Strings(lines)
	lines = dedupe(lines)

	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	writeLine := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{'\n'})
	}
	writeLine("resource=" + q.Resource)
	writeLine("format=" + q.Format)
	for _, k := range keys {
		writeLine(k + "=" + q.Params[k])
	}
	writeLine(strings.Join(lines, "\n"))
	return hex.EncodeToString(h.Sum(nil))
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
