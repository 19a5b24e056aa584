package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memSample struct {
	ts     int64
	value  float64
	labels map[string]string
}

// MemorySeriesStore 进程内的 MetricValueStore. 每次 Push 追加独立样本.
type MemorySeriesStore struct {
	mu     sync.RWMutex
	series map[string][]memSample
}

// NewMemorySeriesStore 创建空的内存时序存储.
func NewMemorySeriesStore() *MemorySeriesStore {
	return &MemorySeriesStore{series: make(map[string][]memSample)}
}

func (s *MemorySeriesStore) Push(_ context.Context, sample Sample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.series[sample.Name], memSample{ts: ts.UnixMilli(), value: sample.Value, labels: sample.Labels})
	// 稳定排序保证同一时间戳按推送顺序排列
	sort.SliceStable(list, func(i, j int) bool { return list[i].ts < list[j].ts })
	s.series[sample.Name] = list
	return nil
}

func (s *MemorySeriesStore) Query(_ context.Context, name string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.series[name]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].value, nil
}

func (s *MemorySeriesStore) QueryRange(_ context.Context, name string, r Range) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end := r.Start.UnixMilli(), r.End.UnixMilli()
	points := make([]Point, 0)
	for _, smp := range s.series[name] {
		if smp.ts < start || smp.ts > end {
			continue
		}
		points = append(points, Point{Timestamp: smp.ts, Value: smp.value})
	}
	return bucketize(points, r), nil
}

// Len 返回序列的样本数.
func (s *MemorySeriesStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[name])
}

// Labels 返回第 i 个样本的标签副本，越界时为 nil.
func (s *MemorySeriesStore) Labels(name string, i int) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.series[name]
	if i < 0 || i >= len(list) {
		return nil
	}
	out := make(map[string]string, len(list[i].labels))
	for k, v := range list[i].labels {
		out[k] = v
	}
	return out
}
