package merge

import (
	"bufio"
	"io"
	"strings"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// GeoCSVFramer 合并 GeoCSV 2.0 输出（availability format=geocsv）。
// 表头由若干 # 元数据行加一行列名组成，整个文档只保留第一个分片的表头，
// 其余分片的列名必须与之一致。GeoCSV 不允许正文出现注释，缺口只通过 trailer 报告。
type GeoCSVFramer struct {
	logger  *zap.Logger
	header  string
	columns string
	started bool
}

// NewGeoCSVFramer 创建 GeoCSV Framer
func NewGeoCSVFramer(logger *zap.Logger) *GeoCSVFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoCSVFramer{logger: logger}
}

// ContentType 实现 Framer
func (f *GeoCSVFramer) ContentType() string { return "text/csv; charset=utf-8" }

// Begin 实现 Framer
func (f *GeoCSVFramer) Begin(io.Writer) error { return nil }

// End 实现 Framer
func (f *GeoCSVFramer) End(io.Writer) error { return nil }

// Gap 实现 Framer
func (f *GeoCSVFramer) Gap(io.Writer, Gap) error { return nil }

// Frame 实现 Framer
func (f *GeoCSVFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)

	line, err := readLine(br)
	if err != nil || line == "" {
		return err
	}
	var meta strings.Builder
	for strings.HasPrefix(line, "#") {
		meta.WriteString(strings.TrimRight(line, "\r\n") + "\n")
		if line, err = readLine(br); err != nil {
			return err
		}
	}
	if meta.Len() == 0 {
		return alignmentError(g, "GeoCSV response without metadata header")
	}
	if line == "" {
		return alignmentError(g, "GeoCSV response without column names")
	}
	cols := strings.TrimRight(line, "\r\n")
	if f.columns != "" && !sameColumns(cols, f.columns) {
		return alignmentError(g, "GeoCSV columns %q do not match %q", cols, f.columns)
	}

	first, err := readLine(br)
	if err != nil {
		return err
	}
	if f.columns == "" {
		f.header, f.columns = meta.String()+cols+"\n", cols
	}
	if first == "" {
		return nil
	}
	if !f.started {
		if _, err := io.WriteString(w, f.header); err != nil {
			return err
		}
		f.started = true
	}
	return copyLines(w, first, br)
}

// copyLines 写出首行与剩余内容，保证以换行结尾
func copyLines(w io.Writer, first string, r io.Reader) error {
	if _, err := io.WriteString(w, first); err != nil {
		return err
	}
	last, err := copyTrackLast(w, r)
	if err != nil {
		return err
	}
	if last == 0 {
		last = first[len(first)-1]
	}
	if last != '\n' {
		_, err = io.WriteString(w, "\n")
	}
	return err
}
