package merge

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// gapCommentPrefix 文本格式中缺口注释行的前缀
const gapCommentPrefix = "# fedgate: omitted "

// TextFramer 合并 FDSN 文本格式（station text、availability）。
// 每个分片的首行 # 表头被剥离，整个文档只输出一次表头；各分片表头的列布局必须一致。
// 表头在第一行数据出现时才写出，只有表头的分片不产生输出。
type TextFramer struct {
	resource string
	logger   *zap.Logger
	header   string
	started  bool
	pending  []Gap
}

// NewTextFramer 创建文本 Framer
func NewTextFramer(resource string, logger *zap.Logger) *TextFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextFramer{resource: resource, logger: logger}
}

// ContentType 实现 Framer
func (f *TextFramer) ContentType() string { return "text/plain; charset=utf-8" }

// Begin 实现 Framer。表头取自第一个分片，在 Frame 中写出。
func (f *TextFramer) Begin(io.Writer) error { return nil }

// End 实现 Framer
func (f *TextFramer) End(w io.Writer) error {
	if !f.started {
		return nil
	}
	return f.flushGaps(w)
}

// Gap 写出缺口注释行；表头尚未写出时先排队
func (f *TextFramer) Gap(w io.Writer, gap Gap) error {
	f.pending = append(f.pending, gap)
	if !f.started {
		return nil
	}
	return f.flushGaps(w)
}

func (f *TextFramer) flushGaps(w io.Writer) error {
	for _, gap := range f.pending {
		if _, err := io.WriteString(w, gapCommentPrefix+gap.String()+"\n"); err != nil {
			return err
		}
	}
	f.pending = f.pending[:0]
	return nil
}

// Frame 实现 Framer
func (f *TextFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)

	first, err := readLine(br)
	if err != nil {
		return err
	}
	var header string
	if strings.HasPrefix(first, "#") {
		header = strings.TrimRight(first, "\r\n")
		if first, err = readLine(br); err != nil {
			return err
		}
	}

	switch {
	case header == "" && f.header == "":
		return alignmentError(g, "%s text response without header line", f.resource)
	case header != "" && f.header != "" && !sameColumns(header, f.header):
		return alignmentError(g, "header %q does not match %q", header, f.header)
	}
	if f.header == "" {
		f.header = header
	}
	if first == "" {
		return nil
	}

	if !f.started {
		if _, err := io.WriteString(w, f.header+"\n"); err != nil {
			return err
		}
		f.started = true
		if err := f.flushGaps(w); err != nil {
			return err
		}
	}

	return copyLines(w, first, br)
}

// readLine 读取下一个非空行（保留换行符），到达末尾时返回空串
func readLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
		if err != nil {
			return "", nil
		}
	}
}

// sameColumns 比较表头的列名（忽略大小写与空白）
func sameColumns(a, b string) bool {
	ca, cb := columns(a), columns(b)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if !strings.EqualFold(ca[i], cb[i]) {
			return false
		}
	}
	return true
}

func columns(header string) []string {
	header = strings.TrimPrefix(header, "#")
	if strings.Contains(header, "|") {
		cols := strings.Split(header, "|")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		return cols
	}
	return strings.Fields(header)
}

// copyTrackLast 复制剩余内容并返回最后一个字节，无内容时返回 0
func copyTrackLast(w io.Writer, r io.Reader) (byte, error) {
	var last byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			last = buf[n-1]
			if _, werr := w.Write(buf[:n]); werr != nil {
				return last, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
	}
}
