// Package limiter 提供了写入类接口使用的限流器.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter 接口定义了限流器的通用行为。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter 基于令牌桶的本地限流器，每个 key 一个令牌桶。
// 超过 idleTTL 未访问的令牌桶会在下次访问时被回收。
type LocalLimiter struct {
	mu      sync.Mutex
	r       rate.Limit
	b       int
	idleTTL time.Duration
	buckets map[string]*bucket
	now     func() time.Time
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter 创建本地限流器。
// r: 每秒生成的令牌数；b: 令牌桶的容量。
func NewLocalLimiter(r rate.Limit, b int) *LocalLimiter {
	return &LocalLimiter{
		r:       r,
		b:       b,
		idleTTL: 10 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow 检查 key 对应的请求是否允许通过。
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1), nil
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for key, bk := range l.buckets {
		if now.Sub(bk.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(l.idleTTL)
}

// Len 当前持有的令牌桶数量.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
