// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 pool 提供泛型对象池与有界 goroutine 池。

# 核心类型

  - Pool[T]：基于 sync.Pool 的泛型对象池，记录复用统计。
  - ByteBufferPool：分片内存缓冲复用，超大缓冲不回收。
  - GoroutinePool：有界 worker 池，Submit 非阻塞，队列满时拒绝。

# 主要能力

  - 后台任务：缓存异步写入等不影响响应的工作在池中执行。
  - 排空：Drain 等待已接受任务完成，用于优雅停机。
*/
package pool
