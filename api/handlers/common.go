package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 JSON 响应结构（运维接口使用）
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Endpoint   string `json:"endpoint,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"` // 不序列化到 JSON
}

// =============================================================================
// 🎯 JSON 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头部已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入 JSON 错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := StatusFor(err)

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Endpoint:   err.Endpoint,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// StatusFor 返回错误面向客户端的状态码：显式设置的 HTTPStatus 优先，否则按错误码映射
func StatusFor(err error) int {
	if e, ok := types.AsError(err); ok {
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return types.DefaultHTTPStatus(e.Code)
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 📄 FDSN 错误文档
// =============================================================================

// ServiceInfo FDSN 错误文档与 version 接口使用的服务信息
type ServiceInfo struct {
	// DocumentationURL 错误文档中的使用说明地址
	DocumentationURL string
	// Version 服务版本
	Version string
}

// WriteFDSNError 以 FDSN 纯文本错误文档响应
func WriteFDSNError(w http.ResponseWriter, r *http.Request, status int, err error, info ServiceInfo, now time.Time) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, FDSNErrorDocument(r, status, err, info, now))
}

// FDSNErrorDocument 渲染错误文档正文
func FDSNErrorDocument(r *http.Request, status int, err error, info ServiceInfo, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error %d: %s\n\n", status, statusTitle(status))
	fmt.Fprintf(&b, "%s\n\n", errorDescription(err))
	fmt.Fprintf(&b, "Usage details are available from %s\n\n", info.DocumentationURL)
	fmt.Fprintf(&b, "Request:\n%s\n\n", requestURL(r))
	fmt.Fprintf(&b, "Request Submitted:\n%s\n\n", now.UTC().Format("2006-01-02T15:04:05.000000"))
	fmt.Fprintf(&b, "Service version:\n%s\n", info.Version)
	return b.String()
}

func statusTitle(status int) string {
	if status == 499 {
		return "Client Closed Request"
	}
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

// errorDescription 只暴露结构化错误的 Message，内部原因不外泄
func errorDescription(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := types.AsError(err); ok {
		if e.Endpoint != "" && e.Code != types.ErrInvalidRequest {
			return e.Message + " (" + e.Endpoint + ")"
		}
		return e.Message
	}
	return "internal error"
}

func requestURL(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与写出字节数。
// 通过 Unwrap 暴露底层 writer，http.ResponseController 可继续 Flush。
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Flush 实现 http.Flusher
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if !rw.Written {
			rw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap 返回底层 ResponseWriter
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
