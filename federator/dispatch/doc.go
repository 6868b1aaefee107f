// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 dispatch 负责把分片并发发往上游数据中心。

# 概述

Dispatcher 在每次尝试前询问健康跟踪器，跳过被排除的端点；
向上游发起请求前从按资源类别划分的 Pool 获取槽位，结束后无条件归还。
单个分片失败后最多在下一个可用备用端点重试一次，重试前丢弃已写入的部分字节。

# 核心类型

  - Pool：按资源类别的计数信号量，所有会话共享。
  - Fetcher / HTTPFetcher：上游 FDSN 请求，GET 查询串或 POST 行列表。
  - Dispatcher：单分片抓取 (Dispatch) 与会话级有界扇出 (Run)。
  - Window：已分发未消费分片数的上限，把客户端背压传导到分发。

# 错误语义

  - 超时：UPSTREAM_TIMEOUT，计入端点健康。
  - 非 200/204/404：UPSTREAM_ERROR，计入端点健康。
  - 413：UPSTREAM_TOO_LARGE，波形数据按时间二分后重试，不计入端点健康。
  - 会话取消：CANCELLED，不计入端点健康。
*/
package dispatch
