// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的网关指标采集能力。

# 概述

Collector 统一注册和记录 Prometheus 指标，通过 promauto.With 注册到
调用方传入的 Registry，便于在独立端口上导出，也便于测试隔离。
所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，同时实现 dispatch.Observer、cache.Observer
    与 session.Observer，直接注入到对应组件。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 分片指标：按 resource/endpoint/status 统计分片数、耗时、字节数与重试次数。
  - 端点健康：状态转换计数，被排除端点数按采集时刻计算。
  - 连接池：按资源类别导出占用与容量。
  - 会话指标：按终态统计会话数、耗时、输出字节数，以及溢出分片数与字节数。
  - 缓存指标：hit/miss/error/stored/dropped 事件计数。
  - 数据库指标：路由表连接数与查询耗时。
*/
package metrics
