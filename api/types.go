package api

import (
	"time"

	"github.com/BaSui01/fedgate/federator/health"
)

// =============================================================================
// 版本信息
// =============================================================================

// VersionInfo 服务版本信息。
// @Description 网关版本与已启用的 FDSN 资源
type VersionInfo struct {
	// 服务名
	Service string `json:"service" example:"fedgate"`
	// 版本号
	Version string `json:"version" example:"1.0.0"`
	// 构建时间
	BuildTime string `json:"build_time,omitempty"`
	// Git 提交
	GitCommit string `json:"git_commit,omitempty"`
	// 已启用的资源
	Resources []string `json:"resources,omitempty" example:"dataselect,station"`
}

// =============================================================================
// 端点健康
// =============================================================================

// EndpointListResponse 健康跟踪器快照。
// @Description 上游端点健康状态列表
type EndpointListResponse struct {
	// 采样时间
	Timestamp time.Time `json:"timestamp"`
	// 当前被排除的端点数
	Excluded int `json:"excluded"`
	// 端点状态，按 URL 排序
	Endpoints []health.EndpointStatus `json:"endpoints"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse表示错误响应。
// @Description 错误响应结构（仅用于 JSON 接口，FDSN 查询使用纯文本错误文档）
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"Invalid request parameters"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// 相关的上游端点
	Endpoint string `json:"endpoint,omitempty" example:"http://eida.gfz-potsdam.de/fdsnws/dataselect/1/query"`
}
