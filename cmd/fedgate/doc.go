// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 fedgate 网关程序入口。

# 概述

cmd/fedgate 是 FDSN 联邦网关的可执行入口，提供 HTTP 服务、
路由表管理、健康检查和版本查询等子命令。程序加载 YAML 配置
（FEDGATE_ 前缀环境变量覆盖），使用 zap 结构化日志，
在独立端口暴露 Prometheus 指标，并可选接入 OpenTelemetry。

# 核心类型

  - Server           — 组装路由、分发、缓存、会话引擎与 handlers，管理 API 与 Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter，保留 Flush 与 Unwrap 以支持流式输出

# 主要能力

  - 子命令：serve、routes load / routes count、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）
  - 路由目录：本地路由表（postgres / mysql / sqlite）优先，失败时回退到路由服务
  - 结果缓存：none / memory / redis / tiered
  - 优雅关闭：信号监听 → 关闭 API（超时后中止在途会话）→ 关闭 Metrics → 停止后台任务 → 关闭外部连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
