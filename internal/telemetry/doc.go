// Package telemetry 把 fedgate 的追踪与指标导出到 OTLP。
//
// Init 注册全局 TracerProvider 与 MeterProvider，resource 中带上版本与启用的资源类别，
// 分片与会话耗时直方图使用与超时配置匹配的桶。Metrics 实现 dispatch 与 session 的
// Observer。禁用时全局 provider 保持 noop，不连接任何外部服务。
package telemetry
