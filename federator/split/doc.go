// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 split 把解析结果切分为可独立抓取的原子分片 (granule)。

# 概述

波形数据按流分组，长时段切为等长的连续片段；元数据按网络分组，
同一网络内端点集合相同的流时段打包。分片序号连续 (0..N-1)，
决定合并输出中的唯一合法顺序。

# 主要能力

  - 确定性：Split 是纯函数，输入顺序不影响输出。
  - 方法选择：选择器少时使用 GET，否则使用 POST 行列表。
  - 规模限制：分片数超过上限返回 TOO_LARGE。
  - 二分：Bisect 在上游返回 413 时进一步缩小请求。
*/
package split
