package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// availabilityJSONVersion availability JSON 文档的 version 字段
const availabilityJSONVersion = "1.0"

// eachElement 流式遍历 JSON 数组元素，每次只解码一个元素。
// key 为空时数组即文档根，否则数组是根对象中 key 字段的值。
// 根对象的其它字段被跳过，缺少 key 字段视为空数组。
func eachElement(r io.Reader, key string, fn func(json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	if key == "" {
		if err := walkArray(dec, fn); err != nil {
			return err
		}
		return expectEOF(dec)
	}

	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		if name == key {
			if err := walkArray(dec, fn); err != nil {
				return err
			}
			continue
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return err
	}
	return expectEOF(dec)
}

func walkArray(dec *json.Decoder, fn func(json.RawMessage) error) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		var el json.RawMessage
		if err := dec.Decode(&el); err != nil {
			return err
		}
		if err := fn(el); err != nil {
			return err
		}
	}
	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

// jsonArrayWriter 懒写数组开头，元素之间补逗号
type jsonArrayWriter struct {
	open    string
	close   string
	started bool
}

func (a *jsonArrayWriter) write(w io.Writer, el json.RawMessage) error {
	prefix := ","
	if !a.started {
		prefix = a.open
	}
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}
	a.started = true
	_, err := w.Write(el)
	return err
}

func (a *jsonArrayWriter) end(w io.Writer) error {
	if !a.started {
		return nil
	}
	_, err := io.WriteString(w, a.close)
	return err
}

// validateElements 第一遍：只校验结构并计数，不保留元素
func validateElements(g types.Granule, c *spool.Chunk, key string) (int, error) {
	rc, err := c.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n := 0
	err = eachElement(rc, key, func(json.RawMessage) error {
		n++
		return nil
	})
	if err != nil {
		return 0, alignmentError(g, "invalid JSON: %v", err)
	}
	return n, nil
}

// =============================================================================
// 📊 Availability JSON
// =============================================================================

// AvailabilityJSONFramer 合并 availability format=json 输出：
// 各分片 datasources 数组的元素依次写入同一个文档。
type AvailabilityJSONFramer struct {
	opts   FramerOptions
	logger *zap.Logger
	out    jsonArrayWriter
}

// NewAvailabilityJSONFramer 创建 availability JSON Framer
func NewAvailabilityJSONFramer(opts FramerOptions, logger *zap.Logger) *AvailabilityJSONFramer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityJSONFramer{opts: opts, logger: logger}
}

// ContentType 实现 Framer
func (f *AvailabilityJSONFramer) ContentType() string { return "application/json" }

// Begin 实现 Framer。文档头在第一个元素写出时才生成。
func (f *AvailabilityJSONFramer) Begin(io.Writer) error {
	f.out = jsonArrayWriter{
		open: fmt.Sprintf(`{"version":%s,"created":"%s","datasources":[`,
			availabilityJSONVersion, f.opts.Now().UTC().Format("2006-01-02T15:04:05.000000Z")),
		close: "]}\n",
	}
	return nil
}

// End 实现 Framer
func (f *AvailabilityJSONFramer) End(w io.Writer) error { return f.out.end(w) }

// Gap 实现 Framer。JSON 没有注释，缺口只通过 trailer 报告。
func (f *AvailabilityJSONFramer) Gap(io.Writer, Gap) error { return nil }

// Frame 实现 Framer
func (f *AvailabilityJSONFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	n, err := validateElements(g, c, "datasources")
	if err != nil || n == 0 {
		return err
	}
	if f.out.open == "" {
		_ = f.Begin(w)
	}
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return eachElement(rc, "datasources", func(el json.RawMessage) error {
		return f.out.write(w, el)
	})
}

// =============================================================================
// 📈 WFCatalog
// =============================================================================

// WFCatalogFramer 拼接 WFCatalog 的 JSON 数组输出。
// 相邻时间片按天粒度可能返回同一条日统计，同一分组内紧邻的重复元素只保留一次。
type WFCatalogFramer struct {
	logger *zap.Logger
	out    jsonArrayWriter
	group  string
	last   []byte
}

// NewWFCatalogFramer 创建 WFCatalog Framer
func NewWFCatalogFramer(logger *zap.Logger) *WFCatalogFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WFCatalogFramer{logger: logger, out: jsonArrayWriter{open: "[", close: "]\n"}}
}

// ContentType 实现 Framer
func (f *WFCatalogFramer) ContentType() string { return "application/json" }

// Begin 实现 Framer
func (f *WFCatalogFramer) Begin(io.Writer) error { return nil }

// End 实现 Framer
func (f *WFCatalogFramer) End(w io.Writer) error { return f.out.end(w) }

// Gap 实现 Framer
func (f *WFCatalogFramer) Gap(io.Writer, Gap) error { return nil }

// Frame 实现 Framer
func (f *WFCatalogFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	n, err := validateElements(g, c, "")
	if err != nil || n == 0 {
		return err
	}
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	first := true
	return eachElement(rc, "", func(el json.RawMessage) error {
		var compact bytes.Buffer
		if err := json.Compact(&compact, el); err != nil {
			return err
		}
		dup := first && g.Group == f.group && bytes.Equal(compact.Bytes(), f.last)
		first = false
		f.group, f.last = g.Group, compact.Bytes()
		if dup {
			f.logger.Debug("dropping repeated boundary document", zap.Int("seq", g.Seq))
			return nil
		}
		return f.out.write(w, compact.Bytes())
	})
}
