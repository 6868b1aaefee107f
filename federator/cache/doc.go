// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供响应级缓存网关：以规范化请求指纹为键，缓存整个合并后的输出。

# 概述

命中时会话直接回放缓存负载，跳过解析、切分、分发与合并。
只有完全成功（非部分）的会话才会写入缓存，写入在有界 goroutine 池中异步执行。

# 核心类型

  - Fingerprint：顺序无关的 sha256 指纹，忽略 nodata，可按粒度取整时间范围。
  - Store：存储接口，实现有 RedisStore（gzip 编码）、MemoryStore（LRU + TTL）、
    TieredStore（内存 L1 + redis L2，L2 命中回填 L1）与 NullStore。
  - Gateway：Lookup / Store，存储错误一律视为未命中。
  - Recorder：透传输出并记录，超过 MaxEntrySize 后放弃记录。

# 主要能力

  - 幂等：Store 之后在 TTL 内 Lookup 返回逐字节相同的负载。
  - 背压隔离：写入池已满时丢弃写入并记录警告，不阻塞会话。
*/
package cache
