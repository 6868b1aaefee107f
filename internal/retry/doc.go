// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 retry 提供带抖动的指数退避重试。

# 核心类型

  - Policy：重试次数、延迟、倍数、抖动与可重试判定。
  - Retryer：按策略执行操作，尊重 context 取消。

Value 是返回值版本的泛型包装。
*/
package retry
