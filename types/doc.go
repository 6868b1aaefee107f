// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 fedgate 网关的全局共享类型定义。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 routing、dispatch、
split、merge、session 与 api 等上层模块提供统一的类型契约。流标识、
时间窗、查询描述与错误码均定义于此，以避免循环依赖。

# 核心类型

  - Stream            — 网络.台站.位置.通道 四元组，支持 * 与 ? 通配
  - StreamEpoch       — 带时间窗的流，开放结束时间以零值表示
  - QuerySpec         — 归一化后的 FDSN 查询（资源、方法、流时间窗、透传参数）
  - ResolvedLocation  — 路由解析结果：流时间窗与候选端点
  - Granule           — 一次上游请求的工作单元及其状态机
  - Error / ErrorCode — 结构化错误，含 HTTP 状态码、Retryable 与端点标记

# 主要能力

  - 时间解析：ParseTime 接受 FDSN 允许的日期与日期时间格式，FormatTime 输出规范形式
  - 时间窗运算：Overlaps / Intersect / Slice / SortEpochs
  - 请求解析：ParseQueryValues（GET）与 ParsePostBody（POST 行格式）
  - 错误工具链：AsError / IsErrorCode / IsRetryable / DefaultHTTPStatus
*/
package types
