// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 health 提供进程级的归档端点健康跟踪（熔断器），决定端点当前是否可被调度。

# 概述

Tracker 为每个端点维护一个滑动窗口，记录最近 N 次调用结果。
窗口内失败次数超过阈值时端点进入冷却，冷却时长按倍数递增并受上限约束。
冷却结束后端点进入试探期：一次成功恢复健康，一次失败立即重新排除。
窗口按周期整体清零，失败计数不会无界累积。

# 核心类型

  - Tracker：健康跟踪器，提供 Report/Admit/Snapshot/Sweep/Run。
  - Config：窗口大小、失败阈值、冷却时长、退避倍数与记录上限。
  - Outcome：一次调用的结果（成功、失败、取消）。
  - State：端点状态（healthy、excluded、probation）。

# 主要能力

  - 无锁准入：Admit 只读取原子字段，从不阻塞。
  - 惰性记录：首次失败时才创建记录，成功不为未知端点建档。
  - 取消豁免：客户端取消的调用不计入端点健康。
  - 有界内存：按 IdleTTL 与 MaxEntries 回收空闲记录。
*/
package health
