package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")
	ErrRetryContextCancelled = errors.New("retry context cancelled")
)

// 重试策略接口
type RetryPolicy interface {
	// ShouldRetry 判断是否应该重试，attempt为已执行次数
	ShouldRetry(attempt int, err error) bool
	// NextDelay 计算下次重试的延迟
	NextDelay(attempt int) time.Duration
	// GetMaxAttempts 返回最大执行次数（含首次）
	GetMaxAttempts() int
}

// 指数退避重试策略
type ExponentialBackoffPolicy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffRate     float64
	MaxAttempts     int
	Jitter          bool
	RetryableErrors []error
}

// NewPreSendRetryPolicy 只重试可证明未发送命令的错误
func NewPreSendRetryPolicy(maxRetries int, base, max time.Duration, rate float64) *ExponentialBackoffPolicy {
	if rate < 1 {
		rate = 2
	}
	return &ExponentialBackoffPolicy{
		BaseDelay:       base,
		MaxDelay:        max,
		BackoffRate:     rate,
		MaxAttempts:     maxRetries + 1,
		Jitter:          true,
		RetryableErrors: []error{ErrConnectFailure, ErrAcquireTimeout},
	}
}

func (p *ExponentialBackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}

	// 检查错误是否可重试
	if len(p.RetryableErrors) > 0 {
		for _, retryableErr := range p.RetryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}

	// 默认认为所有错误都可重试
	return true
}

func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffRate)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	// 添加抖动避免惊群效应
	if p.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * (0.5 - rand.Float64())) // ±5%
		delay += jitter
	}

	return delay
}

func (p *ExponentialBackoffPolicy) GetMaxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// 重试器
type Retrier struct {
	policy  RetryPolicy
	timeout time.Duration
	onRetry func(attempt int, err error)
}

func NewRetrier(policy RetryPolicy, timeout time.Duration) *Retrier {
	return &Retrier{
		policy:  policy,
		timeout: timeout,
	}
}

func (r *Retrier) WithRetryCallback(callback func(attempt int, err error)) *Retrier {
	r.onRetry = callback
	return r
}

// Execute 执行操作并自动重试。不可重试的错误原样返回，
// 次数耗尽时包装 ErrMaxRetriesExceeded，错误码仍可通过 CodeOf 取得。
func (r *Retrier) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(lastErr)
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}

		if !r.policy.ShouldRetry(attempt, lastErr) {
			if attempt >= r.policy.GetMaxAttempts() && attempt > 1 {
				return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return lastErr
		}

		// 调用重试回调
		if r.onRetry != nil {
			r.onRetry(attempt, lastErr)
		}

		// 等待重试间隔
		delay := r.policy.NextDelay(attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cancelled(lastErr)
			case <-timer.C:
			}
		}
	}
}

func cancelled(lastErr error) error {
	if lastErr == nil {
		return ErrRetryContextCancelled
	}
	return fmt.Errorf("%w: %w", ErrRetryContextCancelled, lastErr)
}
