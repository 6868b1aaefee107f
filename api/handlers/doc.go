// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 fedgate HTTP 接口的请求处理器实现。

# 概述

handlers 包把 FDSN 查询请求解析为 QuerySpec，交给会话引擎流式处理，
并把会话结果映射为 HTTP 状态码、FDSN 纯文本错误文档与响应 trailer。
运维接口（健康、就绪、版本、端点健康）使用统一 JSON 响应。

# 核心类型

  - FDSNHandler      — 单个资源的 query 与 version 接口
  - Server           — 会话引擎抽象，*session.Engine 实现
  - HealthHandler    — /health、/healthz、/ready、/version、/api/v1/endpoints
  - HealthCheck      — 可插拔就绪检查（redis、路由数据库）
  - Response         — 统一 JSON 响应结构
  - ResponseWriter   — 捕获状态码并保留 Flush 能力的包装器

# 主要能力

  - GET 查询参数与 POST 选择器列表解析，POST 请求体大小限制（超限 413）
  - 输出开始前的错误：nodata=204|404、400、413、503、500
  - 输出开始后的结果：trailer X-Fedgate-Status（complete|partial|error）
    与 X-Fedgate-Omitted（缺口数与缺口列表）
  - FDSN 错误文档：WriteFDSNError / FDSNErrorDocument
*/
package handlers
