package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略
type Policy struct {
	MaxRetries   int                                               // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration                                     // 初始延迟
	MaxDelay     time.Duration                                     // 最大延迟
	Multiplier   float64                                           // 指数退避倍数
	Jitter       bool                                              // 是否添加 ±25% 随机抖动
	Retryable    func(err error) bool                              // 判断错误是否可重试，为空则全部重试
	OnRetry      func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认策略，适用于路由服务调用
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 指数退避重试器
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New 创建重试器
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value 执行带返回值的 fn，失败时按策略重试
func Value[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !r.retryable(err) {
			return zero, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, lastErr
}

// delay 计算第 attempt 次重试前的等待：initial * multiplier^(attempt-1)，受 MaxDelay 限制
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

func (r *Retryer) retryable(err error) bool {
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}
