// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供响应缓存使用的 Redis 连接管理。

# 概述

本包封装 go-redis 客户端，按字节读写缓存条目，所有键带统一前缀，
便于多个网关实例共享同一 Redis。Manager 负责连接生命周期管理，
包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete/TTL/Ping 等基础操作。
  - Config：缓存配置，包含地址、密码、键前缀、连接池大小、默认 TTL、
    TLS 开关与健康检查间隔等参数。
  - Stats：从 INFO 输出解析的命中数、未命中数、内存使用与连接数。

# 主要能力

  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 错误语义：提供 ErrCacheMiss 与 ErrClosed 哨兵错误。
*/
package cache
