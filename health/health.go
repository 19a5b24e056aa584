// Package health 汇总外部依赖（Redis、ClickHouse、Kafka）的健康状态。
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCheckTimeout = 2 * time.Second

// Checker 定义健康检查函数原型。
type Checker func(ctx context.Context) error

// Pinger 支持探活的客户端，clickhouse.Conn 等满足该接口。
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker 返回 Redis 健康检查函数。
func RedisChecker(client redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		return client.Ping(ctx).Err()
	}
}

// Status 单个依赖的检查结果.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report 全部依赖的检查结果.
type Report struct {
	Healthy bool     `json:"healthy"`
	Checks  []Status `json:"checks"`
}

// Registry 具名检查器集合.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry 创建检查器集合，timeout 为单项检查超时。
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Registry{checkers: map[string]Checker{}, timeout: timeout}
}

// Register 注册或替换检查器。
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Check 并行执行全部检查，结果按名称排序。
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		r.mu.RLock()
		c := r.checkers[name]
		r.mu.RUnlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := c(cctx)
			statuses[i] = Status{Name: name, Healthy: err == nil, Latency: time.Since(start).String()}
			if err != nil {
				statuses[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	report := Report{Healthy: true, Checks: statuses}
	for _, s := range statuses {
		if !s.Healthy {
			report.Healthy = false
		}
	}
	return report
}
