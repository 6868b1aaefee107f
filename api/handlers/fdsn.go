package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/federator/merge"
	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// 完成状态 trailer
const (
	TrailerStatus  = "X-Fedgate-Status"
	TrailerOmitted = "X-Fedgate-Omitted"

	// maxOmittedInTrailer trailer 中最多列出的缺口数
	maxOmittedInTrailer = 20
)

// DefaultMaxBodyBytes POST 请求体默认上限
const DefaultMaxBodyBytes = 1 << 20

// Server 处理一个联邦查询。*session.Engine 实现该接口。
type Server interface {
	Serve(ctx context.Context, q *types.QuerySpec, sink session.Sink) (*session.Summary, error)
}

// =============================================================================
// 🌍 FDSN 查询 Handler
// =============================================================================

// FDSNHandler 单个 FDSN 资源的 query 与 version 接口
type FDSNHandler struct {
	resource     string
	server       Server
	info         ServiceInfo
	maxBodyBytes int64
	now          func() time.Time
	logger       *zap.Logger
}

// NewFDSNHandler 创建资源 handler，maxBodyBytes <= 0 时使用 DefaultMaxBodyBytes
func NewFDSNHandler(resource string, server Server, info ServiceInfo, maxBodyBytes int64, logger *zap.Logger) *FDSNHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FDSNHandler{
		resource:     resource,
		server:       server,
		info:         info,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "fdsn_handler"), zap.String("resource", resource)),
	}
}

// Resource 资源名
func (h *FDSNHandler) Resource() string { return h.resource }

// QueryPath /fdsnws/<resource>/1/query，wfcatalog 位于 /eidaws 下
func (h *FDSNHandler) QueryPath() string { return servicePrefix(h.resource) + h.resource + "/1/query" }

// VersionPath /fdsnws/<resource>/1/version
func (h *FDSNHandler) VersionPath() string { return servicePrefix(h.resource) + h.resource + "/1/version" }

func servicePrefix(resource string) string {
	if resource == types.ResourceWFCatalog {
		return "/eidaws/"
	}
	return "/fdsnws/"
}

// Register 在 mux 上注册 query 与 version
func (h *FDSNHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc(h.QueryPath(), h.HandleQuery)
	mux.HandleFunc(h.VersionPath(), h.HandleVersion)
}

// HandleVersion 以纯文本返回服务版本
func (h *FDSNHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.info.Version+"\n")
}

// HandleQuery 处理 GET/POST 查询
func (h *FDSNHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := h.parse(w, r)
	if err != nil {
		h.writeError(w, r, nil, err)
		return
	}

	sink := newResponseSink(w)
	sum, err := h.server.Serve(r.Context(), q, sink)
	if err == nil {
		return
	}
	if sink.begun {
		// 已开始流式输出，结果通过 trailer 告知
		return
	}
	h.writeError(w, r, q, err)
	if sum != nil {
		h.logger.Debug("query failed before output",
			zap.String("session_id", sum.SessionID),
			zap.String("state", string(sum.State)),
			zap.Error(err),
		)
	}
}

func (h *FDSNHandler) parse(w http.ResponseWriter, r *http.Request) (*types.QuerySpec, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return types.ParseQueryValues(h.resource, r.URL.Query())
	case http.MethodPost:
		body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		defer body.Close()
		// 先完整读取，避免按截断的最后一行报告语法错误
		data, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, types.Errorf(types.ErrTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
			}
			return nil, types.NewError(types.ErrInvalidRequest, "unreadable request body").WithCause(err)
		}
		return types.ParsePostBody(h.resource, bytes.NewReader(data))
	default:
		w.Header().Set("Allow", "GET, POST")
		return nil, types.Errorf(types.ErrInvalidRequest, "method %s not allowed", r.Method).
			WithHTTPStatus(http.StatusMethodNotAllowed)
	}
}

// writeError 把会话开始输出前的错误映射为状态码
func (h *FDSNHandler) writeError(w http.ResponseWriter, r *http.Request, q *types.QuerySpec, err error) {
	code := types.GetErrorCode(err)
	switch {
	case code == types.ErrNoData:
		nodata := http.StatusNoContent
		if q != nil {
			nodata = q.NoData
		}
		if nodata == http.StatusNoContent {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteFDSNError(w, r, nodata, err, h.info, h.now())
		return
	case code == types.ErrCancelled && r.Context().Err() != nil:
		// 客户端已断开，不再写响应
		h.logger.Debug("client went away before output", zap.Error(err))
		return
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("query failed", zap.String("code", string(code)), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Info("query rejected", zap.String("code", string(code)), zap.Int("status", status), zap.Error(err))
	}
	WriteFDSNError(w, r, status, err, h.info, h.now())
}

// =============================================================================
// 🚰 响应 Sink
// =============================================================================

// responseSink 把会话输出写入 HTTP 响应，完成状态通过 trailer 发送
type responseSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	begun bool
}

var _ session.Sink = (*responseSink)(nil)

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

// Begin 实现 session.Sink
func (s *responseSink) Begin(contentType string) error {
	if s.begun {
		return errors.New("response already begun")
	}
	h := s.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Trailer", TrailerStatus+", "+TrailerOmitted)
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.begun = true
	return nil
}

// Write 实现 session.Sink
func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Flush 实现 session.Sink
func (s *responseSink) Flush() {
	_ = s.rc.Flush()
}

// Finish 实现 session.Sink
func (s *responseSink) Finish(status session.Status, gaps []merge.Gap) {
	h := s.w.Header()
	h.Set(TrailerStatus, string(status))
	h.Set(TrailerOmitted, OmittedTrailer(gaps))
}

// OmittedTrailer 把缺口列表编码为单行 trailer 值
func OmittedTrailer(gaps []merge.Gap) string {
	if len(gaps) == 0 {
		return "0"
	}
	n := len(gaps)
	shown := gaps
	if n > maxOmittedInTrailer {
		shown = gaps[:maxOmittedInTrailer]
	}
	parts := make([]string, 0, len(shown)+1)
	for _, g := range shown {
		parts = append(parts, strings.NewReplacer("\r", " ", "\n", " ").Replace(g.String()))
	}
	if n > len(shown) {
		parts = append(parts, fmt.Sprintf("(%d more)", n-len(shown)))
	}
	return fmt.Sprintf("%d; %s", n, strings.Join(parts, "; "))
}
