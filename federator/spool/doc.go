// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 spool 提供会话级的分片缓冲与磁盘溢出。

# 概述

每个分片的字节先累积在复用的内存缓冲中，会话内存预算耗尽后，
当前分片连同已缓冲字节透明迁移到临时文件，后续写入直接落盘。
调用方通过 Chunk 统一读取，不感知数据位置。

# 核心类型

  - Budget：原子的内存预算，Reserve 不阻塞；Child 派生的会话预算同时受进程级预算约束。
  - Manager：会话缓冲区，提供 Append/Finalize/Discard/Close。
  - Chunk：已完成分片，提供 Open/ReadAt/Release。

# 主要能力

  - 作用域清理：临时文件登记在 Manager 上，Close 时无论会话结果全部删除。
  - 错误语义：磁盘读写失败返回 SPILL_IO。
*/
package spool
