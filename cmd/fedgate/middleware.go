package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/fedgate/api/handlers"
	"github.com/BaSui01/fedgate/internal/ctxkeys"
	"github.com/BaSui01/fedgate/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestIDFromContext extracts the request ID from the context.
// Returns an empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctxkeys.RequestID(ctx)
	return id
}

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestIDFromContext(r.Context())),
					)
					http.Error(w, "Error 500: Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Int64("bytes", rw.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			}
			if status := w.Header().Get(handlers.TrailerStatus); status != "" {
				fields = append(fields, zap.String("completion", status))
			}
			logger.Info("request", fields...)
		})
	}
}

// responseWriter 捕获状态码与字节数；流式响应依赖 Flush 与 Unwrap 透传
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.wroteHeader = true
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// =============================================================================
// MetricsMiddleware records HTTP request metrics via metrics.Collector
// =============================================================================

// MetricsMiddleware records HTTP request duration, status, and sizes via the
// provided metrics.Collector. Path labels are normalized to keep Prometheus
// label cardinality bounded.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			mrw := handlers.NewResponseWriter(w)
			next.ServeHTTP(mrw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			collector.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				mrw.StatusCode,
				time.Since(start),
				requestSize,
				mrw.Bytes,
			)
		})
	}
}

// pathSegmentPattern matches path segments that look like dynamic identifiers:
// UUIDs, hex strings (8+ chars), or numeric IDs.
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// fdsnPathPattern FDSN 与 EIDA 服务路径 /<fdsnws|eidaws>/<service>/<major>/<method>
var fdsnPathPattern = regexp.MustCompile(
	`^/(fdsnws/(dataselect|station|availability)|eidaws/wfcatalog)/1/(query|version|application\.wadl|queryauth)$`,
)

// normalizePath 把动态路径段替换为 ":id"，未知的 FDSN 路径归为一类
//
//	/fdsnws/station/1/query     -> 不变
//	/fdsnws/foo/2/bar           -> /fdsnws/:other
//	/api/v1/sessions/1234       -> /api/v1/sessions/:id
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics", "/api/v1/endpoints":
		return path
	}

	for _, prefix := range []string{"/fdsnws/", "/eidaws/"} {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if fdsnPathPattern.MatchString(path) {
			return path
		}
		return prefix + ":other"
	}

	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

// =============================================================================
// OTelTracing is the OpenTelemetry HTTP tracing middleware
// =============================================================================

// OTelTracing creates a span for each HTTP request using the global OTel tracer.
// It extracts incoming trace context from request headers and records standard
// HTTP semantic convention attributes on the span. Session spans started by the
// federation engine become children of this span.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("fedgate/http")
			spanName := r.Method + " " + normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLFull(r.URL.String()),
				),
			)
			defer span.End()

			if id := RequestIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("fedgate.request_id", id))
			}
			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(
				attribute.Int("http.response.status_code", rw.StatusCode),
				attribute.Int64("http.response.body.size", rw.Bytes),
			)
		})
	}
}

// =============================================================================
// RateLimiter / CORS
// =============================================================================

// RateLimiter 基于 IP 的请求限流中间件，skipPaths 中的路径不限流（探针、指标）
func RateLimiter(ctx context.Context, rps float64, burst int, skipPaths []string, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				logger.Debug("rate limit exceeded", zap.String("ip", ip), zap.String("path", r.URL.Path))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, "Error 429: Too Many Requests\n\nrequest rate limit exceeded\n")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件
// allowedOrigins 为空时不设置 CORS 头，浏览器会拒绝跨域请求；"*" 允许全部来源。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(originSet) == 0 {
				if origin != "" && r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := originSet[origin]; ok || (allowAll && origin != "") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Expose-Headers", handlers.TrailerStatus+", "+handlers.TrailerOmitted+", X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// RequestID / SecurityHeaders
// =============================================================================

// RequestID adds a unique request ID to each request via the X-Request-ID header
// and injects it into the request context. If the client already provides one,
// it is preserved. Downstream handlers can retrieve the ID via RequestIDFromContext.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := ctxkeys.WithRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

func generateRequestID() string {
	return "req-" + uuid.NewString()
}
