package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 是整个网关统一使用的错误码。
type ErrorCode string

// 请求与会话错误码
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNoData             ErrorCode = "NO_DATA"
	ErrTooLarge           ErrorCode = "TOO_LARGE"
	ErrResolution         ErrorCode = "RESOLUTION_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// 分片 (granule) 级错误码
const (
	ErrEndpointUnavailable ErrorCode = "ENDPOINT_UNAVAILABLE"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTooLarge    ErrorCode = "UPSTREAM_TOO_LARGE"
)

// 缓冲与合并错误码
const (
	ErrSpillIO        ErrorCode = "SPILL_IO"
	ErrMergeAlignment ErrorCode = "MERGE_ALIGNMENT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Endpoint != "" {
		prefix += " " + e.Endpoint
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: DefaultHTTPStatus(code)}
}

// Errorf 以格式化消息创建 Error。
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithEndpoint 记录出错的归档端点。
func (e *Error) WithEndpoint(endpoint string) *Error {
	e.Endpoint = endpoint
	return e
}

// AsError 沿错误链查找 *Error。
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode 判断错误链上是否存在指定错误码。
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// DefaultHTTPStatus 返回错误码面向客户端的默认 HTTP 状态码。
// 分片级错误不会直接暴露给客户端，会话层会先把它们归并成会话级错误。
func DefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNoData:
		return http.StatusNoContent
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrResolution, ErrServiceUnavailable, ErrEndpointUnavailable,
		ErrUpstreamTimeout, ErrUpstreamError, ErrUpstreamTooLarge:
		return http.StatusServiceUnavailable
	case ErrCancelled:
		return 499
	case ErrSpillIO, ErrMergeAlignment, ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
