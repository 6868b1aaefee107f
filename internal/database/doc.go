// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供路由表数据库的连接与连接池管理。

# 概述

fedgate 可以把静态路由表存放在 PostgreSQL、MySQL 或 SQLite 中，
作为路由服务不可用时的回退目录。本包负责按驱动名打开 GORM 连接、
调优连接池，并把连接数与语句耗时交给指标采集器。

# 核心类型

  - RouteStore：持有 GORM 连接，提供 DB()、Ping()、InTransaction()、Close()。
    InTransaction 的签名与 routing.Transactor 一致，路由表整体替换通过它执行。
  - StoreConfig：连接池参数、连接数上报间隔与替换事务的重试策略。
  - QueryObserver：语句耗时回调。

# 主要能力

  - 驱动选择：Open 支持 postgres、mysql 与纯 Go 的 sqlite。
  - 事务重试：PostgreSQL 序列化冲突与死锁、MySQL 死锁与锁等待超时、
    SQLite 忙以及断连时按 internal/retry 的退避策略重做整个事务。
  - 连接数上报：按 StatsInterval 把打开与空闲连接数交给指标采集器。
  - 语句计时：Instrument 注册 GORM 回调统计查询、写入与删除耗时。
*/
package database
