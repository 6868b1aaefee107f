package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/BaSui01/fedgate/internal/tlsutil"
	"github.com/BaSui01/fedgate/types"
)

// Request 一次上游请求
type Request struct {
	Resource string
	Endpoint string
	Method   types.Method
	Format   string
	Params   map[string]string
	Epochs   []types.StreamEpoch
}

// Fetcher 上游抓取接口。响应体写入 w，返回写入字节数。
// 上游无数据（204/404）时返回 0 和 nil。
type Fetcher interface {
	Fetch(ctx context.Context, req Request, w io.Writer) (int64, error)
}

// HTTPFetcher 通过 HTTP 向数据中心发起 FDSN 查询。
// 可以经由带宽限制代理访问，代理返回的 503 与超时等同于上游故障。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher 创建上游客户端。不设置整体超时，由每个分片的 context 控制。
func NewHTTPFetcher(cfg tlsutil.UpstreamConfig, userAgent string) (*HTTPFetcher, error) {
	tr, err := tlsutil.UpstreamTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("build upstream transport: %w", err)
	}
	return &HTTPFetcher{client: &http.Client{Transport: tr}, userAgent: userAgent}, nil
}

// NewHTTPFetcherWithClient 使用自定义 http.Client（测试或共享 Transport）
func NewHTTPFetcherWithClient(client *http.Client, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch 实现 Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, w io.Writer) (int64, error) {
	httpReq, err := f.newRequest(ctx, req)
	if err != nil {
		return 0, types.NewError(types.ErrUpstreamError, "invalid upstream request").
			WithCause(err).WithEndpoint(req.Endpoint)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return 0, transportError(ctx, req.Endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return 0, nil
	case http.StatusRequestEntityTooLarge:
		return 0, types.NewError(types.ErrUpstreamTooLarge, "upstream rejected request as too large").
			WithEndpoint(req.Endpoint)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, types.Errorf(types.ErrUpstreamError, "upstream returned %d", resp.StatusCode).
			WithCause(errors.New(strings.TrimSpace(string(snippet)))).
			WithEndpoint(req.Endpoint).
			WithRetryable(true)
	}

	sw := &sinkWriter{w: w}
	n, err := io.Copy(sw, resp.Body)
	if err != nil {
		if sw.err != nil {
			// 本地缓冲失败，不是上游的问题
			return n, sw.err
		}
		return n, transportError(ctx, req.Endpoint, err)
	}
	return n, nil
}

func (f *HTTPFetcher) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if req.Method == types.MethodGet && len(req.Epochs) == 1 {
		u, perr := url.Parse(req.Endpoint)
		if perr != nil {
			return nil, perr
		}
		u.RawQuery = QueryString(req)
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, strings.NewReader(PostBody(req)))
		if err == nil {
			httpReq.Header.Set("Content-Type", "text/plain")
		}
	}
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	return httpReq, nil
}

// QueryString 单个流时段请求的 GET 查询串
func QueryString(req Request) string {
	v := url.Values{}
	for k, val := range req.Params {
		v.Set(k, val)
	}
	if req.Format != "" {
		v.Set("format", req.Format)
	}
	e := req.Epochs[0]
	loc := e.Location
	if loc == "" {
		loc = "--"
	}
	v.Set("net", e.Network)
	v.Set("sta", e.Station)
	v.Set("loc", loc)
	v.Set("cha", e.Channel)
	if !e.Start.IsZero() {
		v.Set("start", types.FormatTime(e.Start))
	}
	if !e.End.IsZero() {
		v.Set("end", types.FormatTime(e.End))
	}
	return v.Encode()
}

// PostBody POST 请求体：参数行在前，流时段行在后
func PostBody(req Request) string {
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if req.Format != "" {
		b.WriteString("format=" + req.Format + "\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, req.Params[k])
	}
	for _, e := range req.Epochs {
		b.WriteString(e.PostLine())
		b.WriteByte('\n')
	}
	return b.String()
}

// transportError 把传输错误映射为 UPSTREAM_TIMEOUT / UPSTREAM_ERROR / CANCELLED
func transportError(ctx context.Context, endpoint string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err).WithEndpoint(endpoint)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrUpstreamTimeout, "upstream timed out").
			WithCause(err).WithEndpoint(endpoint).WithRetryable(true)
	}
	return types.NewError(types.ErrUpstreamError, "upstream transport error").
		WithCause(err).WithEndpoint(endpoint).WithRetryable(true)
}

// sinkWriter 记录写入端错误，用于区分本地缓冲失败与上游读取失败
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
