// Package store 定义监控核心依赖的两类外部存储接口：实时键值存储与指标时序存储，
// 并提供 Redis 与内存两种实现，以及基于熔断器的保护装饰器。
package store

import (
	"context"
	"time"
)

// KeyValueStore 实时键值存储，语义对齐 Redis 的字符串、计数器与有序集合.
type KeyValueStore interface {
	// Get 读取 key，不存在时 found 为 false 且 err 为 nil.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set 覆盖写入，ttl 为 0 表示永不过期.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr 原子自增并返回新值.
	Incr(ctx context.Context, key string) (int64, error)
	// Keys 返回匹配 glob 模式的全部 key.
	Keys(ctx context.Context, pattern string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRange 按分值升序返回 [start, stop] 区间的成员，支持负下标.
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ZRevRange 按分值降序返回 [start, stop] 区间的成员.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ZRangeWithScores 同 ZRange，附带分值.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
}

// ScoredMember 有序集合中的一个成员.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Sample 推送到指标存储的一次观测.
type Sample struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// Point 区间查询返回的一个数据点，Timestamp 为毫秒.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Range 区间查询参数. Step 为 0 时返回原始样本.
type Range struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// MetricValueStore 指标时序存储.
type MetricValueStore interface {
	Push(ctx context.Context, sample Sample) error
	// Query 返回序列的最新值，序列为空时返回 0.
	Query(ctx context.Context, name string) (float64, error)
	QueryRange(ctx context.Context, name string, r Range) ([]Point, error)
}

// bucketize 按 Step 对齐分桶，每个桶取最后一个样本的值. 输入须按时间升序.
func bucketize(points []Point, r Range) []Point {
	if r.Step <= 0 || len(points) == 0 {
		return points
	}
	step := r.Step.Milliseconds()
	origin := r.Start.UnixMilli()

	out := make([]Point, 0, len(points))
	for _, p := range points {
		bucket := origin + ((p.Timestamp-origin)/step)*step
		if n := len(out); n > 0 && out[n-1].Timestamp == bucket {
			out[n-1].Value = p.Value
			continue
		}
		out = append(out, Point{Timestamp: bucket, Value: p.Value})
	}
	return out
}

// normalizeRange 将 Redis 风格的 [start, stop] 下标换算为切片区间.
func normalizeRange(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}
