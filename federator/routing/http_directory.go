package routing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/internal/retry"
	"github.com/BaSui01/fedgate/internal/tlsutil"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// HTTPDirectoryConfig 路由服务客户端配置
type HTTPDirectoryConfig struct {
	URL     string        // 路由服务查询地址，例如 http://routing.example.org/eidaws/routing/1/query
	Timeout time.Duration // 单次请求超时
	Retry   *retry.Policy // 传输错误与 5xx 的重试策略
}

// HTTPDirectory 通过 HTTP 查询 StationLite 风格的路由服务。
type HTTPDirectory struct {
	url     string
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewHTTPDirectory 创建路由服务客户端
func NewHTTPDirectory(cfg HTTPDirectoryConfig, logger *zap.Logger) *HTTPDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	policy := cfg.Retry
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	policy.Retryable = types.IsRetryable

	logger = logger.With(zap.String("component", "routing_client"))
	return &HTTPDirectory{
		url:     cfg.URL,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// Lookup 实现 Directory
func (d *HTTPDirectory) Lookup(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error) {
	if len(epochs) == 0 {
		return nil, nil
	}
	body := buildRoutingBody(resource, epochs)

	routes, err := retry.Value(ctx, d.retryer, func(ctx context.Context) ([]Route, error) {
		return d.query(ctx, body)
	})
	if err != nil {
		return nil, asResolutionError(err)
	}
	d.logger.Debug("routing lookup done",
		zap.String("resource", resource),
		zap.Int("selectors", len(epochs)),
		zap.Int("routes", len(routes)),
	)
	return routes, nil
}

func (d *HTTPDirectory) query(ctx context.Context, body string) ([]Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, strings.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrResolution, "invalid routing url").WithCause(err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrResolution, "routing service unreachable").
			WithCause(err).WithRetryable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		routes, err := ParsePostFormat(resp.Body)
		if err != nil {
			return nil, types.NewError(types.ErrResolution, "malformed routing response").WithCause(err)
		}
		return routes, nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.Errorf(types.ErrResolution, "routing service returned %d", resp.StatusCode).
			WithCause(fmt.Errorf("%s", strings.TrimSpace(string(snippet)))).
			WithRetryable(resp.StatusCode >= 500)
	}
}

func buildRoutingBody(resource string, epochs []types.StreamEpoch) string {
	var b strings.Builder
	b.WriteString("service=" + resource + "\n")
	b.WriteString("format=post\n")
	for _, e := range epochs {
		b.WriteString(e.PostLine())
		b.WriteByte('\n')
	}
	return b.String()
}
