// Package security 处理安全事件：记录、严重度评分、高危处置与告警通知。
//
// 每个事件按 reported → recorded → scored → (HIGH) contained → notified 推进，
// HandleIncident 返回前处置与通知均已完成。单次调用至多执行一次，不做内部重试。
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/security/risk"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

const (
	incidentIndexKey = "security:incidents"
	incidentTotalKey = "incidents:total"
	alertKeyPrefix   = "alert:security:"
)

// IncidentKey 单条事件记录的 key.
func IncidentKey(ts int64, id string) string {
	return fmt.Sprintf("security:incident:%d:%s", ts, id)
}

// AlertKey 告警通知记录的 key.
func AlertKey(id string) string {
	return alertKeyPrefix + id
}

// Alert 通知负载，也是 alert:security:{id} 的持久化内容.
type Alert struct {
	Incident  monitoring.SecurityIncident `json:"incident"`
	Severity  monitoring.AlertLevel       `json:"severity"`
	Timestamp int64                       `json:"timestamp"`
}

// Monitor 安全监控器.
type Monitor struct {
	kv       store.KeyValueStore
	bus      eventbus.Bus
	scorer   *risk.Scorer
	logger   *logging.Logger
	metrics  *metrics.Metrics
	ids      idgen.Generator
	behavior BehaviorAnalyzer
	txDetect TransactionPatternDetector
	now      func() time.Time

	enhancedTTL    time.Duration
	alertRetention time.Duration
	recentLimit    int64

	mu           sync.RWMutex
	containments map[string]Containment
}

// Option 配置 Monitor.
type Option func(*Monitor)

// WithFrequencyProvider 替换默认的累计计数频率来源.
func WithFrequencyProvider(p risk.FrequencyProvider) Option {
	return func(m *Monitor) { m.scorer = risk.NewScorer(p) }
}

// WithBehaviorAnalyzer 注入用户行为检测器.
func WithBehaviorAnalyzer(a BehaviorAnalyzer) Option {
	return func(m *Monitor) { m.behavior = a }
}

// WithTransactionDetector 注入交易模式检测器.
func WithTransactionDetector(d TransactionPatternDetector) Option {
	return func(m *Monitor) { m.txDetect = d }
}

// WithMetrics 记录事件与处置计数.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithIDGenerator 替换事件 ID 生成器.
func WithIDGenerator(g idgen.Generator) Option {
	return func(m *Monitor) { m.ids = g }
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor 创建安全监控器.
func NewMonitor(kv store.KeyValueStore, bus eventbus.Bus, cfg config.MonitoringConfig, logger *logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Monitor{
		kv:             kv,
		bus:            bus,
		scorer:         risk.NewScorer(risk.NewCounterFrequency(kv)),
		logger:         logger.Named("security"),
		behavior:       noopBehavior{},
		txDetect:       noopTransactions{},
		now:            time.Now,
		enhancedTTL:    cfg.EnhancedMonitoringTTL,
		alertRetention: cfg.AlertRetention,
		recentLimit:    cfg.RecentIncidentLimit,
		containments:   defaultContainments(),
	}
	if m.enhancedTTL <= 0 {
		m.enhancedTTL = time.Hour
	}
	if m.recentLimit <= 0 {
		m.recentLimit = 10
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		m.ids = idgen.Default()
	}
	return m
}

// RegisterContainment 为事件类型注册（或替换）处置策略.
func (m *Monitor) RegisterContainment(incidentType string, c Containment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containments[incidentType] = c
}

// HandleIncident 执行完整的事件处理流程，返回评估出的级别. 任一步骤失败时记录日志并返回原始错误.
func (m *Monitor) HandleIncident(ctx context.Context, incident monitoring.SecurityIncident) (monitoring.AlertLevel, error) {
	incident = m.Prepare(incident)

	if err := m.recordIncident(ctx, incident); err != nil {
		m.logger.ErrorContext(ctx, "failed to record incident", "incident_id", incident.ID, "type", incident.Type, "error", err)
		return "", err
	}

	level := m.AnalyzeSeverity(ctx, incident)
	if m.metrics != nil {
		m.metrics.IncidentsTotal.WithLabelValues(incident.Type, string(level)).Inc()
	}

	if level == monitoring.AlertHigh {
		if err := m.TakeImmediateAction(ctx, incident); err != nil {
			m.logger.ErrorContext(ctx, "containment failed", "incident_id", incident.ID, "type", incident.Type, "error", err)
			return level, err
		}
	}

	if err := m.NotifyIncident(ctx, incident, level); err != nil {
		m.logger.ErrorContext(ctx, "incident notification failed", "incident_id", incident.ID, "type", incident.Type, "error", err)
		return level, err
	}

	m.logger.InfoContext(ctx, "security incident handled", "incident_id", incident.ID, "type", incident.Type, "severity", level)
	return level, nil
}

// Prepare 为缺少 ID 或时间戳的事件补全这两个字段，已有值保持不变.
func (m *Monitor) Prepare(incident monitoring.SecurityIncident) monitoring.SecurityIncident {
	if incident.ID == "" {
		incident.ID = strconv.FormatInt(m.ids.Generate(), 10)
	}
	if incident.Timestamp == 0 {
		incident.Timestamp = m.now().UnixMilli()
	}
	return incident
}

func (m *Monitor) recordIncident(ctx context.Context, incident monitoring.SecurityIncident) error {
	body, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	if err := m.kv.Set(ctx, IncidentKey(incident.Timestamp, incident.ID), string(body), 0); err != nil {
		return err
	}
	if _, err := m.kv.Incr(ctx, incidentTotalKey); err != nil {
		return err
	}
	if _, err := m.kv.Incr(ctx, risk.IncidentTypeKey(incident.Type)); err != nil {
		return err
	}
	return m.kv.ZAdd(ctx, incidentIndexKey, float64(incident.Timestamp), string(body))
}

// AnalyzeSeverity 计算严重度. 评分过程中的任何错误或 panic 都按 HIGH 处理.
func (m *Monitor) AnalyzeSeverity(ctx context.Context, incident monitoring.SecurityIncident) (level monitoring.AlertLevel) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "severity analysis panicked, defaulting to HIGH", "type", incident.Type, "panic", r)
			level = monitoring.AlertHigh
		}
	}()

	a, err := m.scorer.Assess(ctx, incident)
	if err != nil {
		m.logger.ErrorContext(ctx, "severity analysis failed, defaulting to HIGH", "type", incident.Type, "error", err)
		return monitoring.AlertHigh
	}
	m.logger.DebugContext(ctx, "severity scored",
		"type", incident.Type,
		"score", a.Score,
		"frequency", a.Frequency,
		"impact", a.Impact,
		"sensitivity", a.Sensitivity,
	)
	return a.Level
}

// TakeImmediateAction 按事件类型执行处置，未注册的类型走默认保护策略.
func (m *Monitor) TakeImmediateAction(ctx context.Context, incident monitoring.SecurityIncident) error {
	m.mu.RLock()
	c, ok := m.containments[incident.Type]
	m.mu.RUnlock()
	if !ok {
		c = fallbackContainment
	}

	w := &ContainmentWriter{kv: m.kv, action: c.Action, now: m.now().UnixMilli(), enhancedTTL: m.enhancedTTL}
	if err := c.Apply(ctx, w, incident); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ContainmentActions.WithLabelValues(c.Action).Inc()
	}
	m.logger.WarnContext(ctx, "containment applied", "incident_id", incident.ID, "type", incident.Type, "action", c.Action)
	return nil
}

// NotifyIncident 发布 security_alert 并持久化告警记录，两步都会执行.
// 发布失败时仍写入记录并返回发布错误；持久化失败只记录日志.
func (m *Monitor) NotifyIncident(ctx context.Context, incident monitoring.SecurityIncident, level monitoring.AlertLevel) error {
	alert := Alert{Incident: incident, Severity: level, Timestamp: m.now().UnixMilli()}
	pubErr := m.bus.Publish(ctx, monitoring.EventSecurityAlert, alert)
	if pubErr == nil && m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(monitoring.EventSecurityAlert, incident.Type).Inc()
	}

	body, err := json.Marshal(alert)
	if err == nil {
		err = m.kv.Set(ctx, AlertKey(incident.ID), string(body), m.alertRetention)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "alert record not persisted", "incident_id", incident.ID, "error", err)
	}
	return pubErr
}

// AnalyzeUserBehavior 交给注入的行为检测器判定.
func (m *Monitor) AnalyzeUserBehavior(ctx context.Context, action monitoring.UserAction) (bool, error) {
	return m.behavior.IsSuspicious(ctx, action)
}

// UserTransactionsKey 用户交易日志（有序集合）的 key.
func UserTransactionsKey(userID string) string {
	return "transactions:user:" + userID
}

// AnalyzeTransaction 读取用户交易历史交给检测器，命中时上报 SUSPICIOUS_TRANSACTION，随后把交易追加到历史.
func (m *Monitor) AnalyzeTransaction(ctx context.Context, tx monitoring.Transaction) error {
	key := UserTransactionsKey(tx.UserID)
	raw, err := m.kv.ZRange(ctx, key, 0, -1)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to load transaction history", "user_id", tx.UserID, "error", err)
		return err
	}
	history := make([]monitoring.Transaction, 0, len(raw))
	for _, r := range raw {
		var h monitoring.Transaction
		if err := json.Unmarshal([]byte(r), &h); err != nil {
			m.logger.WarnContext(ctx, "skipping malformed transaction record", "user_id", tx.UserID, "error", err)
			continue
		}
		history = append(history, h)
	}

	suspicious, err := m.txDetect.DetectSuspicious(ctx, tx, history)
	if err != nil {
		m.logger.ErrorContext(ctx, "transaction pattern detection failed", "transaction_id", tx.ID, "error", err)
		return err
	}
	if suspicious {
		if _, err := m.HandleIncident(ctx, monitoring.SecurityIncident{
			Type:          monitoring.IncidentSuspiciousTransaction,
			UserID:        tx.UserID,
			TransactionID: tx.ID,
			Details:       map[string]any{"amount": tx.Amount.String(), "transactionType": tx.Type},
		}); err != nil {
			return err
		}
	}

	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	if err := m.kv.ZAdd(ctx, key, float64(tx.Timestamp), string(body)); err != nil {
		m.logger.ErrorContext(ctx, "failed to append transaction history", "user_id", tx.UserID, "error", err)
		return err
	}
	return nil
}
