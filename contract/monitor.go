// Package contract 监控农业资产智能合约的业务事件：资产操作、投资与收益分配。
//
// 三个入口彼此独立，都会写共享键值存储中按时间排序的实体日志，入口之间没有事务保证。
// 每个模式检查都先读取完整历史、执行检测，再把本次记录追加到历史。
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// MetricRecorder 指标记录能力，由 collector.Collector 提供.
type MetricRecorder interface {
	RecordMetric(ctx context.Context, m monitoring.Metric) error
}

// IncidentReporter 安全事件上报能力，由 security.Monitor 提供.
type IncidentReporter interface {
	HandleIncident(ctx context.Context, incident monitoring.SecurityIncident) (monitoring.AlertLevel, error)
}

// 实体日志与状态 key.
func assetOperationsKey(assetID string) string   { return "asset:operations:" + assetID }
func assetValueKey(assetID string) string        { return "asset:value:" + assetID }
func investorHistoryKey(investorID string) string { return "investments:investor:" + investorID }
func assetInvestmentsKey(assetID string) string  { return "investments:asset:" + assetID }
func assetReturnsKey(assetID string) string      { return "returns:asset:" + assetID }

// Distribution 资产当前的投资分布.
type Distribution struct {
	AssetID string                     `json:"assetId"`
	Total   decimal.Decimal            `json:"total"`
	Shares  map[string]decimal.Decimal `json:"shares"` // 投资人 → 百分比
}

// Monitor 智能合约监控器.
type Monitor struct {
	kv        store.KeyValueStore
	recorder  MetricRecorder
	incidents IncidentReporter
	logger    *logging.Logger
	metrics   *metrics.Metrics
	ids       idgen.Generator

	sequences   SequenceDetector
	investments InvestmentDetector
	returns     ReturnsDetector
}

// Option 配置 Monitor.
type Option func(*Monitor)

// WithSequenceDetector 注入资产操作序列检测器.
func WithSequenceDetector(d SequenceDetector) Option {
	return func(m *Monitor) { m.sequences = d }
}

// WithInvestmentDetector 注入投资异常检测器.
func WithInvestmentDetector(d InvestmentDetector) Option {
	return func(m *Monitor) { m.investments = d }
}

// WithReturnsDetector 注入收益异常检测器.
func WithReturnsDetector(d ReturnsDetector) Option {
	return func(m *Monitor) { m.returns = d }
}

// WithMetrics 记录观测计数.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithIDGenerator 替换资产操作、投资与收益记录的 ID 生成器.
func WithIDGenerator(g idgen.Generator) Option {
	return func(m *Monitor) { m.ids = g }
}

// NewMonitor 创建智能合约监控器.
func NewMonitor(kv store.KeyValueStore, recorder MetricRecorder, incidents IncidentReporter, logger *logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Monitor{
		kv:          kv,
		recorder:    recorder,
		incidents:   incidents,
		logger:      logger.Named("contract"),
		sequences:   noopDetectors{},
		investments: noopDetectors{},
		returns:     noopDetectors{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		m.ids = idgen.Default()
	}
	return m
}

func (m *Monitor) nextID() string {
	return strconv.FormatInt(m.ids.Generate(), 10)
}

func (m *Monitor) observe(kind string) {
	if m.metrics != nil {
		m.metrics.ContractObservations.WithLabelValues(kind).Inc()
	}
}

func (m *Monitor) fail(ctx context.Context, msg string, err error, args ...any) error {
	m.logger.ErrorContext(ctx, msg, append(args, "error", err)...)
	return err
}

// MonitorAssetOperations 记录资产操作，检查操作序列，并在带估值的 update 上跟踪价值变化.
func (m *Monitor) MonitorAssetOperations(ctx context.Context, op monitoring.AssetOperation) error {
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	// 日志以 JSON 为有序集合成员，ID 保证相同内容的两次操作不会合并
	if op.ID == "" {
		op.ID = m.nextID()
	}
	metric := monitoring.Metric{
		Type:      monitoring.MetricAssetOperation,
		Timestamp: op.Timestamp,
		Metadata:  map[string]any{"assetId": op.AssetID, "operation": op.Operation, "actor": op.Actor, "operationId": op.ID},
	}
	if op.Value != nil {
		v := op.Value.InexactFloat64()
		metric.Value = &v
	}
	if err := m.recorder.RecordMetric(ctx, metric); err != nil {
		return m.fail(ctx, "failed to record asset operation", err, "asset_id", op.AssetID)
	}
	if err := m.checkAssetPatterns(ctx, op); err != nil {
		return m.fail(ctx, "asset pattern check failed", err, "asset_id", op.AssetID)
	}

	switch {
	case op.Operation == monitoring.AssetUpdate && op.Value != nil:
		if err := m.trackValueChanges(ctx, op); err != nil {
			return m.fail(ctx, "value change tracking failed", err, "asset_id", op.AssetID)
		}
	case op.Operation == monitoring.AssetCreate && op.Value != nil:
		// 初始估值作为后续 update 的比较基准
		if err := m.kv.Set(ctx, assetValueKey(op.AssetID), op.Value.String(), 0); err != nil {
			return m.fail(ctx, "failed to store initial asset value", err, "asset_id", op.AssetID)
		}
	}
	m.observe("asset_operation")
	return nil
}

func (m *Monitor) checkAssetPatterns(ctx context.Context, op monitoring.AssetOperation) error {
	key := assetOperationsKey(op.AssetID)
	history, err := loadLog[monitoring.AssetOperation](ctx, m.kv, key)
	if err != nil {
		return err
	}
	suspicious, err := m.sequences.SuspiciousSequence(ctx, op, history)
	if err != nil {
		return err
	}
	if suspicious {
		if _, err := m.incidents.HandleIncident(ctx, monitoring.SecurityIncident{
			Type:           monitoring.IncidentSuspiciousAssetOperation,
			UserID:         op.Actor,
			AffectedAssets: []string{op.AssetID},
			Details:        map[string]any{"operation": op.Operation, "historyLength": len(history)},
		}); err != nil {
			return err
		}
	}
	return appendLog(ctx, m.kv, key, op.Timestamp, op)
}

// trackValueChanges 与上次估值比较并记录 VALUE_CHANGE. 无历史估值或历史估值为 0 时只更新估值.
func (m *Monitor) trackValueChanges(ctx context.Context, op monitoring.AssetOperation) error {
	key := assetValueKey(op.AssetID)
	raw, found, err := m.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		old, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse stored value of %s: %w", op.AssetID, err)
		}
		if !old.IsZero() {
			change := PercentChange(old, *op.Value)
			v := change.InexactFloat64()
			if err := m.recorder.RecordMetric(ctx, monitoring.Metric{
				Type:      monitoring.MetricValueChange,
				Value:     &v,
				Timestamp: op.Timestamp,
				Metadata: map[string]any{
					"assetId":  op.AssetID,
					"oldValue": old.String(),
					"newValue": op.Value.String(),
				},
			}); err != nil {
				return err
			}
		}
	}
	return m.kv.Set(ctx, key, op.Value.String(), 0)
}

// PercentChange 返回 (newValue-oldValue)/oldValue*100，oldValue 为 0 时返回 0.
func PercentChange(oldValue, newValue decimal.Decimal) decimal.Decimal {
	if oldValue.IsZero() {
		return decimal.Zero
	}
	return newValue.Sub(oldValue).Div(oldValue).Mul(decimal.NewFromInt(100))
}

// MonitorInvestment 记录投资，检查投资人历史，并重新计算资产的投资分布.
func (m *Monitor) MonitorInvestment(ctx context.Context, inv monitoring.Investment) (*Distribution, error) {
	if inv.Timestamp == 0 {
		inv.Timestamp = time.Now().UnixMilli()
	}
	if inv.ID == "" {
		inv.ID = m.nextID()
	}
	amount := inv.Amount.InexactFloat64()
	if err := m.recorder.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricInvestment,
		Value:     &amount,
		Timestamp: inv.Timestamp,
		Metadata:  map[string]any{"assetId": inv.AssetID, "investorId": inv.InvestorID, "investmentId": inv.ID},
	}); err != nil {
		return nil, m.fail(ctx, "failed to record investment", err, "asset_id", inv.AssetID)
	}
	if err := m.checkInvestmentPatterns(ctx, inv); err != nil {
		return nil, m.fail(ctx, "investment pattern check failed", err, "investor_id", inv.InvestorID)
	}
	dist, err := m.trackInvestmentDistribution(ctx, inv)
	if err != nil {
		return nil, m.fail(ctx, "investment distribution tracking failed", err, "asset_id", inv.AssetID)
	}
	m.observe("investment")
	return dist, nil
}

func (m *Monitor) checkInvestmentPatterns(ctx context.Context, inv monitoring.Investment) error {
	key := investorHistoryKey(inv.InvestorID)
	history, err := loadLog[monitoring.Investment](ctx, m.kv, key)
	if err != nil {
		return err
	}
	unusual, err := m.investments.UnusualInvestment(ctx, inv, history)
	if err != nil {
		return err
	}
	if unusual {
		if _, err := m.incidents.HandleIncident(ctx, monitoring.SecurityIncident{
			Type:           monitoring.IncidentSuspiciousInvestment,
			UserID:         inv.InvestorID,
			AffectedAssets: []string{inv.AssetID},
			Details:        map[string]any{"amount": inv.Amount.String(), "investmentId": inv.ID},
		}); err != nil {
			return err
		}
	}
	return appendLog(ctx, m.kv, key, inv.Timestamp, inv)
}

func (m *Monitor) trackInvestmentDistribution(ctx context.Context, inv monitoring.Investment) (*Distribution, error) {
	key := assetInvestmentsKey(inv.AssetID)
	if err := appendLog(ctx, m.kv, key, inv.Timestamp, inv); err != nil {
		return nil, err
	}
	all, err := loadLog[monitoring.Investment](ctx, m.kv, key)
	if err != nil {
		return nil, err
	}

	dist := ComputeDistribution(inv.AssetID, all)
	total := dist.Total.InexactFloat64()
	shares := make(map[string]any, len(dist.Shares))
	for investor, pct := range dist.Shares {
		shares[investor] = pct.StringFixed(4)
	}
	if err := m.recorder.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricInvestmentDistribution,
		Value:     &total,
		Timestamp: inv.Timestamp,
		Metadata:  map[string]any{"assetId": inv.AssetID, "investors": len(dist.Shares), "shares": shares},
	}); err != nil {
		return nil, err
	}
	return dist, nil
}

// ComputeDistribution 汇总每个投资人的投资额占比（百分比）. 总额为 0 时各占比为 0.
func ComputeDistribution(assetID string, investments []monitoring.Investment) *Distribution {
	perInvestor := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, inv := range investments {
		perInvestor[inv.InvestorID] = perInvestor[inv.InvestorID].Add(inv.Amount)
		total = total.Add(inv.Amount)
	}
	shares := make(map[string]decimal.Decimal, len(perInvestor))
	for investor, amount := range perInvestor {
		if total.IsZero() {
			shares[investor] = decimal.Zero
			continue
		}
		shares[investor] = amount.Mul(decimal.NewFromInt(100)).Div(total)
	}
	return &Distribution{AssetID: assetID, Total: total, Shares: shares}
}

// MonitorReturns 记录收益，检查历史收益，并重新计算 ROI.
func (m *Monitor) MonitorReturns(ctx context.Context, ret monitoring.Returns) (decimal.Decimal, error) {
	if ret.Timestamp == 0 {
		ret.Timestamp = time.Now().UnixMilli()
	}
	if ret.ID == "" {
		ret.ID = m.nextID()
	}
	amount := ret.Amount.InexactFloat64()
	if err := m.recorder.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricReturns,
		Value:     &amount,
		Timestamp: ret.Timestamp,
		Metadata:  map[string]any{"assetId": ret.AssetID, "period": ret.Period, "returnsId": ret.ID},
	}); err != nil {
		return decimal.Zero, m.fail(ctx, "failed to record returns", err, "asset_id", ret.AssetID)
	}
	if err := m.analyzeReturnsPatterns(ctx, ret); err != nil {
		return decimal.Zero, m.fail(ctx, "returns pattern check failed", err, "asset_id", ret.AssetID)
	}
	roi, err := m.trackROI(ctx, ret)
	if err != nil {
		return decimal.Zero, m.fail(ctx, "ROI tracking failed", err, "asset_id", ret.AssetID)
	}
	m.observe("returns")
	return roi, nil
}

func (m *Monitor) analyzeReturnsPatterns(ctx context.Context, ret monitoring.Returns) error {
	key := assetReturnsKey(ret.AssetID)
	history, err := loadLog[monitoring.Returns](ctx, m.kv, key)
	if err != nil {
		return err
	}
	unusual, err := m.returns.UnusualReturns(ctx, ret, history)
	if err != nil {
		return err
	}
	if unusual {
		if _, err := m.incidents.HandleIncident(ctx, monitoring.SecurityIncident{
			Type:           monitoring.IncidentUnusualReturns,
			AffectedAssets: []string{ret.AssetID},
			Details:        map[string]any{"amount": ret.Amount.String(), "period": ret.Period},
		}); err != nil {
			return err
		}
	}
	return appendLog(ctx, m.kv, key, ret.Timestamp, ret)
}

func (m *Monitor) trackROI(ctx context.Context, ret monitoring.Returns) (decimal.Decimal, error) {
	investments, err := loadLog[monitoring.Investment](ctx, m.kv, assetInvestmentsKey(ret.AssetID))
	if err != nil {
		return decimal.Zero, err
	}
	returns, err := loadLog[monitoring.Returns](ctx, m.kv, assetReturnsKey(ret.AssetID))
	if err != nil {
		return decimal.Zero, err
	}
	totalInvestment, totalReturns := decimal.Zero, decimal.Zero
	for _, inv := range investments {
		totalInvestment = totalInvestment.Add(inv.Amount)
	}
	for _, r := range returns {
		totalReturns = totalReturns.Add(r.Amount)
	}

	roi := ComputeROI(totalInvestment, totalReturns)
	v := roi.InexactFloat64()
	if err := m.recorder.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricROI,
		Value:     &v,
		Timestamp: ret.Timestamp,
		Metadata: map[string]any{
			"assetId":         ret.AssetID,
			"totalInvestment": totalInvestment.String(),
			"totalReturns":    totalReturns.String(),
		},
	}); err != nil {
		return decimal.Zero, err
	}
	return roi, nil
}

// ComputeROI 返回 totalReturns*100/totalInvestment，totalInvestment 为 0 时返回 0.
func ComputeROI(totalInvestment, totalReturns decimal.Decimal) decimal.Decimal {
	if totalInvestment.IsZero() {
		return decimal.Zero
	}
	return totalReturns.Mul(decimal.NewFromInt(100)).Div(totalInvestment)
}

// loadLog 按时间升序读取实体日志.
func loadLog[T any](ctx context.Context, kv store.KeyValueStore, key string) ([]T, error) {
	raw, err := kv.ZRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("decode %s entry: %w", key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func appendLog(ctx context.Context, kv store.KeyValueStore, key string, ts int64, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.ZAdd(ctx, key, float64(ts), string(body))
}
