// Package storetest 提供可注入故障的存储实现，供各组件测试降级路径。
package storetest

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/wyfcoding/agrimonitor/store"
)

// ErrInjected 注入的存储故障.
var ErrInjected = errors.New("injected store failure")

// FaultyKV 包装一个 KeyValueStore，对命中的操作返回 ErrInjected.
// 规则的 pattern 为 glob，匹配操作的 key；"*" 表示所有 key.
type FaultyKV struct {
	store.KeyValueStore

	mu    sync.Mutex
	rules map[string][]string
	calls map[string]int
}

// NewFaultyKV 包装底层存储.
func NewFaultyKV(inner store.KeyValueStore) *FaultyKV {
	return &FaultyKV{KeyValueStore: inner, rules: map[string][]string{}, calls: map[string]int{}}
}

// Fail 让 op（Get/Set/Incr/Keys/ZAdd/ZRange/ZRevRange/ZRangeWithScores）在 key 匹配 pattern 时失败.
func (f *FaultyKV) Fail(op, pattern string) *FaultyKV {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = append(f.rules[op], pattern)
	return f
}

// Calls 返回某操作被调用的次数.
func (f *FaultyKV) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyKV) check(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, p := range f.rules[op] {
		if ok, _ := path.Match(p, key); ok || p == "*" {
			return ErrInjected
		}
	}
	return nil
}

func (f *FaultyKV) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.check("Get", key); err != nil {
		return "", false, err
	}
	return f.KeyValueStore.Get(ctx, key)
}

func (f *FaultyKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.check("Set", key); err != nil {
		return err
	}
	return f.KeyValueStore.Set(ctx, key, value, ttl)
}

func (f *FaultyKV) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.check("Incr", key); err != nil {
		return 0, err
	}
	return f.KeyValueStore.Incr(ctx, key)
}

func (f *FaultyKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := f.check("Keys", pattern); err != nil {
		return nil, err
	}
	return f.KeyValueStore.Keys(ctx, pattern)
}

func (f *FaultyKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := f.check("ZAdd", key); err != nil {
		return err
	}
	return f.KeyValueStore.ZAdd(ctx, key, score, member)
}

func (f *FaultyKV) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := f.check("ZRange", key); err != nil {
		return nil, err
	}
	return f.KeyValueStore.ZRange(ctx, key, start, stop)
}

func (f *FaultyKV) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := f.check("ZRevRange", key); err != nil {
		return nil, err
	}
	return f.KeyValueStore.ZRevRange(ctx, key, start, stop)
}

func (f *FaultyKV) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.ScoredMember, error) {
	if err := f.check("ZRangeWithScores", key); err != nil {
		return nil, err
	}
	return f.KeyValueStore.ZRangeWithScores(ctx, key, start, stop)
}

// FaultySeries 包装 MetricValueStore，对命中的序列名返回 ErrInjected.
type FaultySeries struct {
	store.MetricValueStore

	mu     sync.Mutex
	failed map[string]bool
	all    bool
	pushes int
}

// NewFaultySeries 包装底层时序存储.
func NewFaultySeries(inner store.MetricValueStore) *FaultySeries {
	return &FaultySeries{MetricValueStore: inner, failed: map[string]bool{}}
}

// Fail 让指定序列的查询与推送失败，不传参数时所有序列失败.
func (f *FaultySeries) Fail(names ...string) *FaultySeries {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(names) == 0 {
		f.all = true
	}
	for _, n := range names {
		f.failed[n] = true
	}
	return f
}

// Pushes 返回 Push 调用次数（含失败）.
func (f *FaultySeries) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *FaultySeries) broken(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all || f.failed[name]
}

func (f *FaultySeries) Push(ctx context.Context, sample store.Sample) error {
	f.mu.Lock()
	f.pushes++
	f.mu.Unlock()
	if f.broken(sample.Name) {
		return ErrInjected
	}
	return f.MetricValueStore.Push(ctx, sample)
}

func (f *FaultySeries) Query(ctx context.Context, name string) (float64, error) {
	if f.broken(name) {
		return 0, ErrInjected
	}
	return f.MetricValueStore.Query(ctx, name)
}

func (f *FaultySeries) QueryRange(ctx context.Context, name string, r store.Range) ([]store.Point, error) {
	if f.broken(name) {
		return nil, ErrInjected
	}
	return f.MetricValueStore.QueryRange(ctx, name, r)
}
