// Package redis 提供 Redis 客户端工厂，内置 Prometheus 指标钩子。
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Client 是 redis.Client 的别名，方便业务层直接使用而无需导入原生包
type Client = redis.Client

type hookMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHookMetrics(reg prometheus.Registerer) *hookMetrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_ops_total",
		Help: "The total number of redis operations",
	}, []string{"addr", "command", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redis_duration_seconds",
		Help:    "The duration of redis operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"addr", "command"})

	if reg != nil {
		ops = registerOrReuse(reg, ops)
		duration = registerOrReuse(reg, duration)
	}
	return &hookMetrics{ops: ops, duration: duration}
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

type metricsHook struct {
	addr    string
	metrics *hookMetrics
}

func (h *metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

func (h *metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *metricsHook) observe(command string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	h.metrics.ops.WithLabelValues(h.addr, command, status).Inc()
	h.metrics.duration.WithLabelValues(h.addr, command).Observe(time.Since(start).Seconds())
}

// NewClient 使用提供的配置创建一个新的 Redis 客户端并验证连通性。
// 返回客户端、清理函数和连接失败时的错误；m 为空时不采集指标。
func NewClient(cfg *config.RedisConfig, logger *logging.Logger, m *metrics.Metrics) (*redis.Client, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	var reg prometheus.Registerer
	if m != nil {
		reg = m.Registerer()
	}
	client.AddHook(&metricsHook{addr: cfg.Addr, metrics: newHookMetrics(reg)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis", "addr", cfg.Addr)

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close Redis client", "error", err)
		}
	}

	return client, cleanup, nil
}
