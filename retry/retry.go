// Package retry 提供指数退避重试，调度任务与外部写入使用.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wyfcoding/agrimonitor/xerrors"
)

// Func 定义了可被重试执行的业务函数原型.
type Func func() error

// Config 封装了重试策略的详细控制参数. MaxRetries 为 0 时只执行一次.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	MaxRetries     int
}

// DefaultConfig 返回一个通用的默认重试配置.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Do 在 Retryable 判定为可重试时按策略重试 fn.
func Do(ctx context.Context, fn Func, cfg Config) error {
	return DoIf(ctx, fn, Retryable, cfg)
}

// Retryable 参数错误与资源不存在不重试，其余错误可重试.
func Retryable(err error) bool {
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		switch xe.Type {
		case xerrors.ErrInvalidArg, xerrors.ErrNotFound, xerrors.ErrPermissionDenied, xerrors.ErrUnauthenticated:
			return false
		}
	}
	return !errors.Is(err, context.Canceled)
}

// DoIf 仅在 shouldRetry 返回 true 时进行重试.
func DoIf(ctx context.Context, fn Func, shouldRetry func(error) bool, cfg Config) error {
	if cfg.MaxRetries <= 0 {
		return fn()
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	attempts := 0

	for attempts <= cfg.MaxRetries {
		attempts++
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempts > cfg.MaxRetries || !shouldRetry(lastErr) {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = next(backoff, cfg)
	}

	return fmt.Errorf("retry failed after %d attempts: %w", attempts, lastErr)
}

func next(backoff time.Duration, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	n := float64(backoff) * multiplier
	if cfg.Jitter > 0 {
		n += (rand.Float64()*2 - 1) * cfg.Jitter * n
	}
	if cfg.MaxBackoff > 0 {
		return min(time.Duration(n), cfg.MaxBackoff)
	}
	return time.Duration(n)
}
