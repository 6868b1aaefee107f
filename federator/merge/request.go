package merge

import (
	"bufio"
	"io"
	"strings"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// RequestFramer 拼接 availability format=request 输出。
// 每行是一条 POST 选择器（NET STA LOC CHA START END），没有表头。
type RequestFramer struct {
	logger *zap.Logger
}

// NewRequestFramer 创建 request 格式 Framer
func NewRequestFramer(logger *zap.Logger) *RequestFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestFramer{logger: logger}
}

// ContentType 实现 Framer
func (f *RequestFramer) ContentType() string { return "text/plain; charset=utf-8" }

// Begin 实现 Framer
func (f *RequestFramer) Begin(io.Writer) error { return nil }

// End 实现 Framer
func (f *RequestFramer) End(io.Writer) error { return nil }

// Gap 实现 Framer。输出可直接作为 POST 请求体，不写注释。
func (f *RequestFramer) Gap(io.Writer, Gap) error { return nil }

// Frame 先逐行校验再拼接
func (f *RequestFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	if err := f.validate(g, c); err != nil {
		return err
	}
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	br := bufio.NewReader(rc)
	first, err := readLine(br)
	if err != nil || first == "" {
		return err
	}
	return copyLines(w, first, br)
}

func (f *RequestFramer) validate(g types.Granule, c *spool.Chunk) error {
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(strings.Fields(line)) != 6 {
			return alignmentError(g, "request line %d is not a stream epoch: %q", n, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return alignmentError(g, "unreadable request response: %v", err)
	}
	return nil
}
