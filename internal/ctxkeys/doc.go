// Package ctxkeys 定义在 context 中传递请求 ID、会话 ID 与 TraceID 的键。
package ctxkeys
