// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustTime 解析 FDSN 时间，失败时 panic
func MustTime(s string) time.Time {
	t, err := types.ParseTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Epoch 构造流时段，start/end 为 FDSN 时间字符串，空字符串表示不限
func Epoch(net, sta, loc, cha, start, end string) types.StreamEpoch {
	e := types.StreamEpoch{Stream: types.Stream{Network: net, Station: sta, Location: loc, Channel: cha}}
	if start != "" {
		e.Start = MustTime(start)
	}
	if end != "" {
		e.End = MustTime(end)
	}
	return e
}
