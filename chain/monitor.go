// Package chain 监控账本事件：存储与计数、三项独立检查（可疑、性能、合规）以及派生告警。
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// 派生告警类型与特殊事件类型.
const (
	AlertSuspicious = monitoring.IncidentSuspiciousBlockchain
	AlertHighLoad   = "HIGH_LOAD"
	AlertCompliance = "COMPLIANCE_EVENT"

	EventHeavyComputation     = "HEAVY_COMPUTATION"
	EventFinancialTransaction = "FINANCIAL_TRANSACTION"
)

const (
	eventKeyPrefix   = "blockchain:event:"
	patternKeyPrefix = "blockchain:pattern:"
	alertKeyPrefix   = "blockchain:alert:"
	eventsTotalKey   = "events:total"
)

// EventKey 事件记录的 key.
func EventKey(ts int64, canisterID string) string {
	return fmt.Sprintf("%s%d:%s", eventKeyPrefix, ts, canisterID)
}

// EventCountKey 按 (类型, canister) 的累计计数 key.
func EventCountKey(eventType, canisterID string) string {
	return "events:count:" + eventType + ":" + canisterID
}

// Alert 由链上事件派生的告警，同时作为总线负载与持久化记录.
type Alert struct {
	Type      string                     `json:"type"`
	Event     monitoring.BlockchainEvent `json:"event"`
	Reason    string                     `json:"reason,omitempty"`
	Timestamp int64                      `json:"timestamp"`
}

// DetectedPattern 可疑事件的检测记录.
type DetectedPattern struct {
	Event     monitoring.BlockchainEvent `json:"event"`
	Reason    string                     `json:"reason"`
	Timestamp int64                      `json:"timestamp"`
}

// LoadProbe 提供当前系统负载（百分比）.
type LoadProbe interface {
	SystemLoad(ctx context.Context) (float64, error)
}

// LoadProbeFunc 适配普通函数.
type LoadProbeFunc func(ctx context.Context) (float64, error)

func (f LoadProbeFunc) SystemLoad(ctx context.Context) (float64, error) { return f(ctx) }

// SeriesLoad 以指标存储中最新的 CPU 使用率作为系统负载.
func SeriesLoad(series store.MetricValueStore) LoadProbe {
	return LoadProbeFunc(func(ctx context.Context) (float64, error) {
		return series.Query(ctx, collector.SeriesCPUUsage)
	})
}

// Monitor 链上事件监控器.
type Monitor struct {
	kv       store.KeyValueStore
	bus      eventbus.Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics
	load     LoadProbe
	patterns *patternSet
	now      func() time.Time

	threshold      int64
	loadThreshold  float64
	regulated      map[string]struct{}
	alertRetention time.Duration
	recentLimit    int
}

// Option 配置 Monitor.
type Option func(*Monitor)

// WithPatterns 追加代码中定义的模式（例如带判定函数的模式）.
func WithPatterns(patterns ...Pattern) Option {
	return func(m *Monitor) {
		for _, p := range patterns {
			if err := m.patterns.add(p); err != nil {
				m.logger.Error("invalid malicious pattern ignored", "pattern", p.Name, "error", err)
			}
		}
	}
}

// WithLoadProbe 替换系统负载来源.
func WithLoadProbe(p LoadProbe) Option {
	return func(m *Monitor) { m.load = p }
}

// WithMetrics 记录事件与告警计数.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor 创建链上事件监控器. 未配置（非正数）的阈值使用默认值，配置中的表达式模式编译失败时返回错误.
func NewMonitor(kv store.KeyValueStore, series store.MetricValueStore, bus eventbus.Bus, cfg config.MonitoringConfig, logger *logging.Logger, opts ...Option) (*Monitor, error) {
	if logger == nil {
		logger = logging.Default()
	}
	patterns := make([]Pattern, 0, len(cfg.MaliciousPatterns))
	for _, pc := range cfg.MaliciousPatterns {
		patterns = append(patterns, PatternFromConfig(pc))
	}
	ps, err := newPatternSet(patterns)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		kv:             kv,
		bus:            bus,
		logger:         logger.Named("chain"),
		load:           SeriesLoad(series),
		patterns:       ps,
		now:            time.Now,
		threshold:      cfg.SuspiciousEventThreshold,
		loadThreshold:  cfg.SystemLoadThreshold,
		regulated:      make(map[string]struct{}, len(cfg.RegulatedActivities)),
		alertRetention: cfg.AlertRetention,
		recentLimit:    cfg.RecentEventLimit,
	}
	defaults := config.DefaultMonitoringConfig()
	if m.threshold <= 0 {
		m.threshold = defaults.SuspiciousEventThreshold
	}
	if m.loadThreshold <= 0 {
		m.loadThreshold = defaults.SystemLoadThreshold
	}
	for _, a := range cfg.RegulatedActivities {
		m.regulated[a] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ProcessEvent 存储 → 分析 → 发布 blockchain_event. 分析失败不会回滚已写入的存储.
func (m *Monitor) ProcessEvent(ctx context.Context, event monitoring.BlockchainEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = m.now().UnixMilli()
	}
	if err := m.storeEvent(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "failed to store blockchain event",
			"canister_id", event.CanisterID, "event_type", event.EventType, "error", err)
		return err
	}
	if err := m.AnalyzeEvent(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "failed to analyze blockchain event",
			"canister_id", event.CanisterID, "event_type", event.EventType, "error", err)
		return err
	}
	if err := m.bus.Publish(ctx, monitoring.EventBlockchainEvent, event); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish blockchain event", "error", err)
		return err
	}
	return nil
}

func (m *Monitor) storeEvent(ctx context.Context, event monitoring.BlockchainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := m.kv.Set(ctx, EventKey(event.Timestamp, event.CanisterID), string(body), 0); err != nil {
		return err
	}
	for _, key := range []string{
		eventsTotalKey,
		"events:type:" + event.EventType,
		EventCountKey(event.EventType, event.CanisterID),
	} {
		if _, err := m.kv.Incr(ctx, key); err != nil {
			return err
		}
	}
	if m.metrics != nil {
		m.metrics.BlockchainEvents.WithLabelValues(event.EventType).Inc()
	}
	return nil
}

// AnalyzeEvent 三项检查相互独立，每项命中都会发布各自的告警.
func (m *Monitor) AnalyzeEvent(ctx context.Context, event monitoring.BlockchainEvent) error {
	suspicious, reason, err := m.suspicious(ctx, event)
	if err != nil {
		return err
	}
	if suspicious {
		if err := m.recordPattern(ctx, event, reason); err != nil {
			return err
		}
		if err := m.raise(ctx, monitoring.EventSecurityAlert, AlertSuspicious, event, reason); err != nil {
			return err
		}
	}

	if m.HasPerformanceImpact(ctx, event) {
		if err := m.raise(ctx, monitoring.EventPerformanceAlert, AlertHighLoad, event, ""); err != nil {
			return err
		}
	}

	if m.HasComplianceImplications(event) {
		if err := m.raise(ctx, monitoring.EventComplianceAlert, AlertCompliance, event, ""); err != nil {
			return err
		}
	}
	return nil
}

// IsSuspiciousEvent 该 (类型, canister) 的累计事件数超过阈值，或命中任一恶意模式.
func (m *Monitor) IsSuspiciousEvent(ctx context.Context, event monitoring.BlockchainEvent) (bool, error) {
	ok, _, err := m.suspicious(ctx, event)
	return ok, err
}

func (m *Monitor) suspicious(ctx context.Context, event monitoring.BlockchainEvent) (bool, string, error) {
	raw, found, err := m.kv.Get(ctx, EventCountKey(event.EventType, event.CanisterID))
	if err != nil {
		return false, "", err
	}
	if found {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, "", fmt.Errorf("parse event count: %w", err)
		}
		if count > m.threshold {
			return true, fmt.Sprintf("frequency %d exceeds %d", count, m.threshold), nil
		}
	}

	name, matched, err := m.patterns.match(ctx, eventFacts(event))
	if err != nil {
		return false, "", err
	}
	if matched {
		return true, "pattern " + name, nil
	}
	return false, "", nil
}

// HasPerformanceImpact 重计算事件或系统负载超过阈值. 负载查询失败视为无影响.
func (m *Monitor) HasPerformanceImpact(ctx context.Context, event monitoring.BlockchainEvent) bool {
	if event.EventType == EventHeavyComputation {
		return true
	}
	load, err := m.load.SystemLoad(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "system load unavailable", "error", err)
		return false
	}
	return load > m.loadThreshold
}

// HasComplianceImplications 金融交易或受监管活动.
func (m *Monitor) HasComplianceImplications(event monitoring.BlockchainEvent) bool {
	if event.EventType == EventFinancialTransaction {
		return true
	}
	_, ok := m.regulated[event.EventType]
	return ok
}

func (m *Monitor) recordPattern(ctx context.Context, event monitoring.BlockchainEvent, reason string) error {
	ts := m.now().UnixMilli()
	body, err := json.Marshal(DetectedPattern{Event: event, Reason: reason, Timestamp: ts})
	if err != nil {
		return err
	}
	return m.kv.Set(ctx, fmt.Sprintf("%s%d:%s", patternKeyPrefix, ts, event.CanisterID), string(body), 0)
}

func (m *Monitor) raise(ctx context.Context, eventName, alertType string, event monitoring.BlockchainEvent, reason string) error {
	alert := Alert{Type: alertType, Event: event, Reason: reason, Timestamp: m.now().UnixMilli()}
	if err := m.bus.Publish(ctx, eventName, alert); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(eventName, alertType).Inc()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	m.logger.WarnContext(ctx, "blockchain alert raised", "alert", alertType, "canister_id", event.CanisterID, "event_type", event.EventType)
	return m.kv.Set(ctx, fmt.Sprintf("%s%d:%s", alertKeyPrefix, alert.Timestamp, alertType), string(body), m.alertRetention)
}
