// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 routing 提供查询解析适配层：把客户端查询转换为 (选择器, 时间范围, 端点) 映射。

# 概述

Resolver 先展开虚拟网络别名，再分页查询路由目录，随后按端点白名单过滤、
把时间范围裁剪到请求范围内、去重，并在每个具体选择器上切分为互不重叠的区段。
被多个端点覆盖的区段合并为一个位置，主端点之外的端点作为备用端点。

# 核心类型

  - Resolver：解析适配器，Resolve 返回确定性排序的 ResolvedLocation 序列。
  - Directory：外部路由服务契约，空结果与服务故障严格区分。
  - HTTPDirectory：StationLite 风格路由服务客户端，使用 post 输出格式。
  - TableDirectory：基于 gorm 的静态路由表，可作为路由服务的回退。
  - ChainDirectory：按顺序回退的目录链。

# 主要能力

  - 虚拟网络：别名展开为成员选择器，并与请求模式取交集。
  - 覆盖划分：结果在每个选择器上无缺口、无重叠。
  - 规模限制：单段与总时长超限时返回 TOO_LARGE。
  - 重试：路由服务的传输错误与 5xx 按指数退避重试。
*/
package routing
