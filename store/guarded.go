package store

import (
	"context"
	"time"

	"github.com/wyfcoding/agrimonitor/breaker"
)

// GuardedStore 在存储客户端边界加熔断保护. 熔断打开时调用立即返回
// breaker.ErrServiceUnavailable，不再等待挂起的后端.
type GuardedStore struct {
	kv KeyValueStore
	cb *breaker.Breaker
}

// NewGuardedStore 用熔断器包装 KeyValueStore.
func NewGuardedStore(kv KeyValueStore, cb *breaker.Breaker) *GuardedStore {
	return &GuardedStore{kv: kv, cb: cb}
}

func (g *GuardedStore) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		value string
		found bool
	}
	res, err := breaker.ExecuteTyped(g.cb, func() (result, error) {
		v, ok, err := g.kv.Get(ctx, key)
		return result{value: v, found: ok}, err
	})
	return res.value, res.found, err
}

func (g *GuardedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.cb.Run(func() error { return g.kv.Set(ctx, key, value, ttl) })
}

func (g *GuardedStore) Incr(ctx context.Context, key string) (int64, error) {
	return breaker.ExecuteTyped(g.cb, func() (int64, error) { return g.kv.Incr(ctx, key) })
}

func (g *GuardedStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return breaker.ExecuteTyped(g.cb, func() ([]string, error) { return g.kv.Keys(ctx, pattern) })
}

func (g *GuardedStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return g.cb.Run(func() error { return g.kv.ZAdd(ctx, key, score, member) })
}

func (g *GuardedStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return breaker.ExecuteTyped(g.cb, func() ([]string, error) { return g.kv.ZRange(ctx, key, start, stop) })
}

func (g *GuardedStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return breaker.ExecuteTyped(g.cb, func() ([]string, error) { return g.kv.ZRevRange(ctx, key, start, stop) })
}

func (g *GuardedStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	return breaker.ExecuteTyped(g.cb, func() ([]ScoredMember, error) {
		return g.kv.ZRangeWithScores(ctx, key, start, stop)
	})
}

// GuardedSeriesStore 是 MetricValueStore 的熔断装饰器.
type GuardedSeriesStore struct {
	ms MetricValueStore
	cb *breaker.Breaker
}

// NewGuardedSeriesStore 用熔断器包装 MetricValueStore.
func NewGuardedSeriesStore(ms MetricValueStore, cb *breaker.Breaker) *GuardedSeriesStore {
	return &GuardedSeriesStore{ms: ms, cb: cb}
}

func (g *GuardedSeriesStore) Push(ctx context.Context, sample Sample) error {
	return g.cb.Run(func() error { return g.ms.Push(ctx, sample) })
}

func (g *GuardedSeriesStore) Query(ctx context.Context, name string) (float64, error) {
	return breaker.ExecuteTyped(g.cb, func() (float64, error) { return g.ms.Query(ctx, name) })
}

func (g *GuardedSeriesStore) QueryRange(ctx context.Context, name string, r Range) ([]Point, error) {
	return breaker.ExecuteTyped(g.cb, func() ([]Point, error) { return g.ms.QueryRange(ctx, name, r) })
}
