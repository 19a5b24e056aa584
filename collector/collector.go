// Package collector 记录领域指标并汇总系统快照。
//
// 写入路径（RecordMetric）失败即返回；读取路径（CollectSystemMetrics、GetMetricsSummary）
// 按子查询隔离故障，以 0 或空列表代替失败项。
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// 指标存储中的系统序列名.
const (
	SeriesCPUUsage         = "cpu_usage"
	SeriesMemoryUsage      = "memory_usage"
	SeriesNetworkLatency   = "network_latency"
	SeriesActiveUsers      = "active_users"
	SeriesTransactionCount = "transaction_count"
	SeriesErrorCount       = "error_count"
	SeriesRequestCount     = "request_count"
	SeriesCanisterCycles   = "canister_cycles"
	SeriesResponseTime     = "response_time"
)

// MetricKey 指标在实时存储中的 key，同类型同时间戳的写入互相覆盖.
func MetricKey(t monitoring.MetricType, ts int64) string {
	return fmt.Sprintf("metric:%s:%d", t, ts)
}

// Summary 最近窗口内的指标趋势.
type Summary struct {
	Performance  []store.Point `json:"performance"`
	Transactions []store.Point `json:"transactions"`
	Errors       []store.Point `json:"errors"`
	Resources    []store.Point `json:"resources"`
}

// Collector 指标采集器.
type Collector struct {
	kv      store.KeyValueStore
	series  store.MetricValueStore
	logger  *logging.Logger
	metrics *metrics.Metrics
	window  time.Duration
	step    time.Duration
	now     func() time.Time
}

// Option 配置 Collector.
type Option func(*Collector)

// WithMetrics 把记录结果与系统快照同步到 Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New 创建采集器.
func New(kv store.KeyValueStore, series store.MetricValueStore, cfg config.MonitoringConfig, logger *logging.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Collector{
		kv:     kv,
		series: series,
		logger: logger.Named("collector"),
		window: cfg.SummaryWindow,
		step:   cfg.SummaryStep,
		now:    time.Now,
	}
	if c.window <= 0 {
		c.window = 24 * time.Hour
	}
	if c.step <= 0 {
		c.step = time.Hour
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordMetric 写入实时存储并推送到指标存储，任一失败都会返回原始错误.
func (c *Collector) RecordMetric(ctx context.Context, m monitoring.Metric) error {
	if err := c.recordMetric(ctx, m); err != nil {
		c.logger.ErrorContext(ctx, "failed to record metric",
			"type", m.Type,
			"timestamp", m.Timestamp,
			"metadata", m.Metadata,
			"error", err,
		)
		c.observe(m.Type, "error")
		return err
	}
	c.observe(m.Type, "ok")
	return nil
}

func (c *Collector) recordMetric(ctx context.Context, m monitoring.Metric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	if err := c.kv.Set(ctx, MetricKey(m.Type, m.Timestamp), string(body), 0); err != nil {
		return err
	}
	return c.series.Push(ctx, store.Sample{
		Name:      string(m.Type),
		Value:     m.Float(),
		Labels:    labels(m),
		Timestamp: time.UnixMilli(m.Timestamp),
	})
}

func labels(m monitoring.Metric) map[string]string {
	out := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		case fmt.Stringer:
			out[k] = val.String()
		default:
			if b, err := json.Marshal(val); err == nil {
				out[k] = string(b)
			} else {
				out[k] = fmt.Sprint(val)
			}
		}
	}
	out["timestamp"] = strconv.FormatInt(m.Timestamp, 10)
	return out
}

func (c *Collector) observe(t monitoring.MetricType, status string) {
	if c.metrics != nil {
		c.metrics.MetricsRecorded.WithLabelValues(string(t), status).Inc()
	}
}

// CollectSystemMetrics 独立查询各项系统指标，失败项记为 0；快照随后作为 SYSTEM 指标记录.
func (c *Collector) CollectSystemMetrics(ctx context.Context) monitoring.SystemMetrics {
	snapshot := monitoring.SystemMetrics{
		Timestamp:        c.now().UnixMilli(),
		CPUUsage:         c.query(ctx, SeriesCPUUsage),
		MemoryUsage:      c.query(ctx, SeriesMemoryUsage),
		NetworkLatency:   c.query(ctx, SeriesNetworkLatency),
		ActiveUsers:      c.query(ctx, SeriesActiveUsers),
		TransactionCount: c.query(ctx, SeriesTransactionCount),
		ErrorRate:        c.errorRate(ctx),
		CanisterCycles:   c.query(ctx, SeriesCanisterCycles),
	}

	fields := snapshot.Fields()
	metadata := make(map[string]any, len(fields))
	for k, v := range fields {
		metadata[k] = v
	}
	if err := c.RecordMetric(ctx, monitoring.Metric{Type: monitoring.MetricSystem, Timestamp: snapshot.Timestamp, Metadata: metadata}); err != nil {
		c.logger.WarnContext(ctx, "system snapshot not persisted", "error", err)
	}
	if c.metrics != nil {
		for k, v := range fields {
			c.metrics.SystemGauge.WithLabelValues(k).Set(v)
		}
	}
	return snapshot
}

func (c *Collector) query(ctx context.Context, name string) float64 {
	v, err := c.series.Query(ctx, name)
	if err != nil {
		c.logger.ErrorContext(ctx, "system metric query failed", "series", name, "error", err)
		return 0
	}
	return v
}

// errorRate 错误数占请求数的百分比，请求数为 0 时为 0.
func (c *Collector) errorRate(ctx context.Context) float64 {
	errs, err := c.series.Query(ctx, SeriesErrorCount)
	if err != nil {
		c.logger.ErrorContext(ctx, "system metric query failed", "series", SeriesErrorCount, "error", err)
		return 0
	}
	total, err := c.series.Query(ctx, SeriesRequestCount)
	if err != nil {
		c.logger.ErrorContext(ctx, "system metric query failed", "series", SeriesRequestCount, "error", err)
		return 0
	}
	if total == 0 {
		return 0
	}
	return errs / total * 100
}

// GetMetricsSummary 并行查询最近窗口的四条趋势，单项失败返回空列表.
// 只有并发编排本身出错（子任务 panic）时才返回错误.
func (c *Collector) GetMetricsSummary(ctx context.Context) (*Summary, error) {
	end := c.now()
	r := store.Range{Start: end.Add(-c.window), End: end, Step: c.step}

	var (
		wg      conc.WaitGroup
		summary Summary
	)
	wg.Go(func() { summary.Performance = c.queryRange(ctx, SeriesResponseTime, r) })
	wg.Go(func() { summary.Transactions = c.queryRange(ctx, SeriesTransactionCount, r) })
	wg.Go(func() { summary.Errors = c.queryRange(ctx, SeriesErrorCount, r) })
	wg.Go(func() { summary.Resources = c.queryRange(ctx, SeriesCanisterCycles, r) })

	if err := wg.WaitAndRecover().AsError(); err != nil {
		c.logger.ErrorContext(ctx, "metrics summary failed", "error", err)
		return nil, err
	}
	return &summary, nil
}

func (c *Collector) queryRange(ctx context.Context, name string, r store.Range) []store.Point {
	points, err := c.series.QueryRange(ctx, name, r)
	if err != nil {
		c.logger.ErrorContext(ctx, "metric range query failed", "series", name, "error", err)
		return []store.Point{}
	}
	if points == nil {
		return []store.Point{}
	}
	return points
}
