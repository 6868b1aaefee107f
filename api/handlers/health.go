package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/fedgate/api"
	"github.com/BaSui01/fedgate/federator/health"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger    *zap.Logger
	checks    []HealthCheck
	endpoints EndpointSource
	version   api.VersionInfo
	mu        sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// EndpointSource 上游端点健康状态来源，*health.Tracker 实现该接口
type EndpointSource interface {
	Snapshot() []health.EndpointStatus
	Excluded() int
}

// ServiceHealthResponse 健康状态响应
type ServiceHealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("component", "health_handler")),
		checks: make([]HealthCheck, 0),
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// SetEndpointSource 设置端点健康来源
func (h *HealthHandler) SetEndpointSource(src EndpointSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints = src
}

// SetVersion 设置版本信息
func (h *HealthHandler) SetVersion(info api.VersionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = info
}

// Register 在 mux 上注册运维接口
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/ready", h.HandleReady)
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.HandleFunc("/version", h.HandleVersion)
	mux.HandleFunc("/api/v1/endpoints", h.HandleEndpoints)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求（简单健康检查）
// @Summary 健康检查
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	version := h.version.Version
	h.mu.RUnlock()

	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
	})
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针）
// @Summary Kubernetes 活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务处于活动状态"
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 请求（就绪检查：redis、路由数据库等）
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务已准备就绪"
// @Failure 503 {object} ServiceHealthResponse "服务尚未准备好"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}

		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}

		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} api.VersionInfo "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	info := h.version
	h.mu.RUnlock()
	WriteSuccess(w, info)
}

// HandleEndpoints 处理 /api/v1/endpoints 请求，返回健康跟踪器快照
// @Summary 上游端点健康
// @Tags 健康
// @Produce json
// @Success 200 {object} api.EndpointListResponse "端点列表"
// @Router /api/v1/endpoints [get]
func (h *HealthHandler) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed", nil)
		return
	}
	h.mu.RLock()
	src := h.endpoints
	h.mu.RUnlock()

	resp := api.EndpointListResponse{Timestamp: time.Now().UTC(), Endpoints: []health.EndpointStatus{}}
	if src != nil {
		if snap := src.Snapshot(); snap != nil {
			resp.Endpoints = snap
		}
		resp.Excluded = src.Excluded()
	}
	WriteSuccess(w, resp)
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// PingCheck 以 ping 函数实现的健康检查（redis、路由数据库、路由服务）
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建健康检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{
		name: name,
		ping: ping,
	}
}

func (c *PingCheck) Name() string {
	return c.name
}

func (c *PingCheck) Check(ctx context.Context) error {
	return c.ping(ctx)
}
