// MockFetcher 的上游抓取测试模拟实现。
//
// 支持按端点配置固定负载、延迟与错误注入。
package mocks

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/types"
)

// --- MockFetcher 结构 ---

// MockFetcher 是 dispatch.Fetcher 的模拟实现
type MockFetcher struct {
	mu sync.Mutex

	// 按端点配置
	payloads map[string][]byte
	errs     map[string]error
	delay    time.Duration
	fetchFn  func(ctx context.Context, req dispatch.Request) ([]byte, error)

	// 调用记录
	calls []dispatch.Request
}

// NewMockFetcher 创建新的 MockFetcher，未配置的端点返回空负载
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		payloads: make(map[string][]byte),
		errs:     make(map[string]error),
	}
}

// --- Builder 方法 ---

// WithPayload 设置端点返回的负载
func (m *MockFetcher) WithPayload(endpoint string, payload []byte) *MockFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[endpoint] = payload
	return m
}

// WithError 设置端点返回的错误
func (m *MockFetcher) WithError(endpoint string, err error) *MockFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[endpoint] = err
	return m
}

// WithDelay 设置每次调用的延迟，延迟期间响应 context 取消
func (m *MockFetcher) WithDelay(d time.Duration) *MockFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFetchFunc 自定义响应逻辑，优先于按端点配置
func (m *MockFetcher) WithFetchFunc(fn func(ctx context.Context, req dispatch.Request) ([]byte, error)) *MockFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFn = fn
	return m
}

// --- dispatch.Fetcher 实现 ---

// Fetch 实现 dispatch.Fetcher
func (m *MockFetcher) Fetch(ctx context.Context, req dispatch.Request, w io.Writer) (int64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	delay, fn := m.delay, m.fetchFn
	payload, err := m.payloads[req.Endpoint], m.errs[req.Endpoint]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, types.NewError(types.ErrUpstreamTimeout, "mock upstream timed out").WithEndpoint(req.Endpoint)
			}
			return 0, types.NewError(types.ErrCancelled, "mock request cancelled").WithEndpoint(req.Endpoint)
		}
	}
	if fn != nil {
		payload, err = fn(ctx, req)
	}
	if err != nil {
		return 0, err
	}
	n, werr := w.Write(payload)
	return int64(n), werr
}

// --- 查询方法 ---

// Calls 返回调用记录副本
func (m *MockFetcher) Calls() []dispatch.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dispatch.Request(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockFetcher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockFetcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
