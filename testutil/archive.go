package testutil

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BaSui01/fedgate/types"
)

// ArchiveRequest 伪数据中心收到的一次查询
type ArchiveRequest struct {
	Method string
	Path   string
	Params map[string]string
	Epochs []types.StreamEpoch
}

// ArchiveHandler 返回状态码与响应体
type ArchiveHandler func(req ArchiveRequest) (int, []byte)

// Archive 伪造的 FDSN 数据中心
type Archive struct {
	Server  *httptest.Server
	mu      sync.Mutex
	handler ArchiveHandler
	reqs    []ArchiveRequest
}

// NewArchive 启动伪数据中心，测试结束时自动关闭
func NewArchive(t *testing.T, handler ArchiveHandler) *Archive {
	t.Helper()
	a := &Archive{handler: handler}
	a.Server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.Server.Close)
	return a
}

// URL 返回资源的查询地址
func (a *Archive) URL(resource string) string {
	return a.Server.URL + "/fdsnws/" + resource + "/1/query"
}

// SetHandler 替换处理函数
func (a *Archive) SetHandler(h ArchiveHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Requests 返回已收到的请求副本
func (a *Archive) Requests() []ArchiveRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ArchiveRequest(nil), a.reqs...)
}

func (a *Archive) serve(w http.ResponseWriter, r *http.Request) {
	req := ArchiveRequest{Method: r.Method, Path: r.URL.Path, Params: make(map[string]string)}
	if r.Method == http.MethodPost {
		parsePostRequest(r.Body, &req)
	} else {
		q := r.URL.Query()
		e := types.StreamEpoch{Stream: types.Stream{
			Network:  q.Get("net"),
			Station:  q.Get("sta"),
			Location: types.NormalizeLocation(q.Get("loc")),
			Channel:  q.Get("cha"),
		}}
		e.Start, _ = types.ParseTime(q.Get("start"))
		e.End, _ = types.ParseTime(q.Get("end"))
		req.Epochs = []types.StreamEpoch{e}
		for k := range q {
			switch k {
			case "net", "sta", "loc", "cha", "start", "end":
			default:
				req.Params[k] = q.Get(k)
			}
		}
	}

	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	h := a.handler
	a.mu.Unlock()

	status, body := h(req)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func parsePostRequest(body io.Reader, req *ArchiveRequest) {
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			req.Params[k] = v
			continue
		}
		if e, err := types.ParsePostLine(line); err == nil {
			req.Epochs = append(req.Epochs, e)
		}
	}
}
