package merge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

const (
	fixedHeaderSize   = 48
	headerPeekSize    = 256
	blocketteDataOnly = 1000
	minRecordExponent = 7
	maxRecordExponent = 16

	// DefaultRecordLength 找不到 blockette 1000 时的记录长度
	DefaultRecordLength = 512
)

// =============================================================================
// 📼 miniSEED 记录头
// =============================================================================

// RecordHeader miniSEED 记录的固定头信息
type RecordHeader struct {
	Stream string
	Start  time.Time
	End    time.Time
	Period time.Duration
	Length int
}

// ParseRecordHeader 解析记录头。buf 至少包含 48 字节固定头，
// 记录长度取自 blockette 1000，找不到时使用 fallback（0 表示视为错误）。
func ParseRecordHeader(buf []byte, fallback int) (RecordHeader, error) {
	var h RecordHeader
	if len(buf) < fixedHeaderSize {
		return h, fmt.Errorf("truncated header: %d bytes", len(buf))
	}
	if !strings.ContainsRune("DRQM", rune(buf[6])) {
		return h, fmt.Errorf("invalid data quality indicator %q", buf[6])
	}
	for _, c := range buf[0:6] {
		if (c < '0' || c > '9') && c != ' ' && c != 0 {
			return h, fmt.Errorf("invalid sequence number %q", buf[0:6])
		}
	}

	order := byteOrder(buf)

	sta := strings.TrimSpace(string(buf[8:13]))
	loc := strings.TrimSpace(string(buf[13:15]))
	cha := strings.TrimSpace(string(buf[15:18]))
	net := strings.TrimSpace(string(buf[18:20]))
	h.Stream = net + "." + sta + "." + loc + "." + cha

	start, err := parseBTime(buf[20:30], order)
	if err != nil {
		return h, err
	}
	if buf[36]&0x02 == 0 {
		// 时间校正尚未应用
		corr := int32(order.Uint32(buf[40:44]))
		start = start.Add(time.Duration(corr) * 100 * time.Microsecond)
	}
	h.Start = start

	samples := order.Uint16(buf[30:32])
	rate := sampleRate(int16(order.Uint16(buf[32:34])), int16(order.Uint16(buf[34:36])))
	h.End = start
	if rate > 0 {
		h.Period = time.Duration(float64(time.Second) / rate)
		h.End = start.Add(time.Duration(float64(samples) * float64(time.Second) / rate))
	}

	h.Length = recordLength(buf, order)
	if h.Length == 0 {
		if fallback <= 0 {
			return h, errors.New("blockette 1000 not found")
		}
		h.Length = fallback
	}
	return h, nil
}

// byteOrder 根据年份的合理范围判断字节序
func byteOrder(buf []byte) binary.ByteOrder {
	year := binary.BigEndian.Uint16(buf[20:22])
	if year >= 1900 && year <= 2100 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func parseBTime(b []byte, order binary.ByteOrder) (time.Time, error) {
	year := int(order.Uint16(b[0:2]))
	doy := int(order.Uint16(b[2:4]))
	hour, minute, sec := int(b[4]), int(b[5]), int(b[6])
	frac := int(order.Uint16(b[8:10]))
	if year < 1900 || year > 2100 || doy < 1 || doy > 366 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, fmt.Errorf("invalid record start time %d-%03d %02d:%02d:%02d", year, doy, hour, minute, sec)
	}
	t := time.Date(year, 1, 1, hour, minute, sec, 0, time.UTC).AddDate(0, 0, doy-1)
	return t.Add(time.Duration(frac) * 100 * time.Microsecond), nil
}

func sampleRate(factor, multiplier int16) float64 {
	f, m := float64(factor), float64(multiplier)
	switch {
	case factor == 0 || multiplier == 0:
		return 0
	case factor > 0 && multiplier > 0:
		return f * m
	case factor > 0 && multiplier < 0:
		return -f / m
	case factor < 0 && multiplier > 0:
		return -m / f
	default:
		return 1 / (f * m)
	}
}

// recordLength 扫描变长头中的 blockette 1000，返回 0 表示未找到
func recordLength(buf []byte, order binary.ByteOrder) int {
	off := int(order.Uint16(buf[46:48]))
	for hops := 0; hops < 16 && off >= fixedHeaderSize && off+4 <= len(buf); hops++ {
		typ := order.Uint16(buf[off : off+2])
		next := int(order.Uint16(buf[off+2 : off+4]))
		if typ == blocketteDataOnly {
			if off+7 > len(buf) {
				return 0
			}
			exp := int(buf[off+6])
			if exp < minRecordExponent || exp > maxRecordExponent {
				return 0
			}
			return 1 << exp
		}
		if next <= off {
			return 0
		}
		off = next
	}
	return 0
}

// =============================================================================
// 🧵 miniSEED Framer
// =============================================================================

type lastRecord struct {
	end time.Time
	raw []byte
}

type span struct {
	off, n int64
}

// MiniSEEDFramer 拼接记录，并按流处理跨分片边界的重叠：
// 与上一分片末尾记录字节完全相同的记录直接丢弃；内容不同的重叠记录按 OverlapPolicy 处理。
type MiniSEEDFramer struct {
	opts    FramerOptions
	logger  *zap.Logger
	last    map[string]lastRecord
	dropped int
}

// NewMiniSEEDFramer 创建 miniSEED Framer
func NewMiniSEEDFramer(opts FramerOptions, logger *zap.Logger) *MiniSEEDFramer {
	if opts.Overlap == "" {
		opts.Overlap = OverlapPreferFirst
	}
	if opts.FallbackRecordLength <= 0 {
		opts.FallbackRecordLength = DefaultRecordLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MiniSEEDFramer{opts: opts, logger: logger, last: make(map[string]lastRecord)}
}

// ContentType 实现 Framer
func (f *MiniSEEDFramer) ContentType() string { return "application/vnd.fdsn.mseed" }

// Begin 实现 Framer
func (f *MiniSEEDFramer) Begin(io.Writer) error { return nil }

// End 实现 Framer
func (f *MiniSEEDFramer) End(io.Writer) error { return nil }

// Gap 二进制格式无法带内标注，缺口只通过 trailer 报告
func (f *MiniSEEDFramer) Gap(io.Writer, Gap) error { return nil }

// Dropped 因重叠丢弃的记录数
func (f *MiniSEEDFramer) Dropped() int { return f.dropped }

// Frame 实现 Framer
func (f *MiniSEEDFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	size := c.Size()
	var (
		keep    []span
		updates = make(map[string]lastRecord)
		dropped int
		peek    = make([]byte, headerPeekSize)
	)

	for off := int64(0); off < size; {
		n, err := c.ReadAt(peek, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		h, err := ParseRecordHeader(peek[:n], f.opts.FallbackRecordLength)
		if err != nil {
			return alignmentError(g, "record at offset %d: %v", off, err)
		}
		if off+int64(h.Length) > size {
			return alignmentError(g, "truncated record at offset %d: want %d bytes, have %d", off, h.Length, size-off)
		}
		raw := make([]byte, h.Length)
		if _, err := c.ReadAt(raw, off); err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		prev, seen := f.last[h.Stream]
		if seen && h.Start.Before(prev.end.Add(-h.Period/2)) {
			switch {
			case bytes.Equal(raw, prev.raw):
				dropped++
			case f.opts.Overlap == OverlapReject:
				return alignmentError(g, "record %s at %s overlaps previous data ending %s",
					h.Stream, types.FormatTime(h.Start), types.FormatTime(prev.end))
			default:
				f.logger.Debug("dropping overlapping record",
					zap.Int("seq", g.Seq),
					zap.String("stream", h.Stream),
					zap.Time("start", h.Start),
				)
				dropped++
			}
			off += int64(h.Length)
			continue
		}

		if n := len(keep); n > 0 && keep[n-1].off+keep[n-1].n == off {
			keep[n-1].n += int64(h.Length)
		} else {
			keep = append(keep, span{off: off, n: int64(h.Length)})
		}
		u := updates[h.Stream]
		if h.End.After(u.end) {
			u.end = h.End
		}
		u.raw = raw
		updates[h.Stream] = u
		off += int64(h.Length)
	}

	for _, s := range keep {
		if _, err := io.Copy(w, io.NewSectionReader(c, s.off, s.n)); err != nil {
			return err
		}
	}
	for stream, u := range updates {
		if prev, ok := f.last[stream]; ok && prev.end.After(u.end) {
			u.end = prev.end
		}
		f.last[stream] = u
	}
	f.dropped += dropped
	return nil
}
