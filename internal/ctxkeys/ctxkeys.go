package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return lookup(ctx, traceIDKey)
}

// WithRequestID 设置请求 ID（由 RequestID 中间件注入）
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return lookup(ctx, requestIDKey)
}

// WithSessionID 设置联邦会话 ID
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID 获取联邦会话 ID
func SessionID(ctx context.Context) (string, bool) {
	return lookup(ctx, sessionIDKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
