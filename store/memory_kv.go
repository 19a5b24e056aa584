package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value    string
	expireAt time.Time
}

// MemoryStore 进程内的 KeyValueStore，用于单机运行与测试. 过期在读取时惰性清理.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	zsets   map[string]map[string]float64
	now     func() time.Time
}

// NewMemoryStore 创建空的内存存储.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		zsets:   make(map[string]map[string]float64),
		now:     time.Now,
	}
}

// SetClock 替换时钟，测试中用于推进 TTL.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// getLocked 调用方须持有锁.
func (s *MemoryStore) getLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	return e.value, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.entries[key] = e
	return n, nil
}

// Keys 使用 path.Match 匹配，与 Redis glob 在不含 '/' 的 key 上等价.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if _, live := s.getLocked(k); !live {
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	for k := range s.zsets {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// sortedLocked 按 (score, member) 升序，与 Redis 的并列排序规则一致.
func (s *MemoryStore) sortedLocked(key string) []ScoredMember {
	z := s.zsets[key]
	out := make([]ScoredMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemoryStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked(key)
	lo, hi, ok := normalizeRange(len(all), start, stop)
	if !ok {
		return []ScoredMember{}, nil
	}
	return append([]ScoredMember(nil), all[lo:hi]...), nil
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	scored, err := s.ZRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	return members(scored), nil
}

func (s *MemoryStore) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked(key)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	lo, hi, ok := normalizeRange(len(all), start, stop)
	if !ok {
		return []string{}, nil
	}
	return members(all[lo:hi]), nil
}

func members(scored []ScoredMember) []string {
	out := make([]string, len(scored))
	for i, sm := range scored {
		out[i] = sm.Member
	}
	return out
}
