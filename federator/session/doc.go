// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 session 编排单个客户端请求从缓存查找到流式输出的完整生命周期。

# 概述

每个请求对应一个 Session，按固定状态机推进：

	created → cache_lookup → cache_hit → streaming → completed
	created → cache_lookup → resolving → splitting → dispatching → merging → streaming → completed
	任意非终态 → aborted

Engine 在所有会话间共享解析器、分发器与缓存网关。输出通过 Sink 写出，
Sink 在第一个字节到达时才 Begin，因此开始输出前的失败仍可映射为 HTTP 状态码。

# 核心类型

  - Engine：会话编排，Serve 处理一个请求并返回 Summary。
  - Sink：HTTP 输出面契约，Begin / Write / Flush / Finish。
  - Session / State：会话状态机，非法转换返回 INTERNAL_ERROR。
  - Config / ResourceConfig：按资源类别的分发、切分、合并参数。

# 主要能力

  - 分发前检查可达性：所有分片的候选端点都被排除时直接返回 SERVICE_UNAVAILABLE。
  - 中止时取消在途分片、等待分发结束并删除全部溢出文件。
  - 完整且未超过大小上限的输出异步写入缓存。
*/
package session
