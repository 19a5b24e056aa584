// Package monitoring 定义监控核心共享的数据模型：指标、系统快照、链上事件、安全事件与业务载荷。
package monitoring

import (
	"fmt"

	"github.com/wyfcoding/agrimonitor/xerrors"
)

// MetricType 是封闭的指标类型枚举.
type MetricType string

const (
	MetricSystem                 MetricType = "SYSTEM"
	MetricTransaction            MetricType = "TRANSACTION"
	MetricBlockchainEvent        MetricType = "BLOCKCHAIN_EVENT"
	MetricAssetOperation         MetricType = "ASSET_OPERATION"
	MetricInvestment             MetricType = "INVESTMENT"
	MetricReturns                MetricType = "RETURNS"
	MetricValueChange            MetricType = "VALUE_CHANGE"
	MetricInvestmentDistribution MetricType = "INVESTMENT_DISTRIBUTION"
	MetricROI                    MetricType = "ROI"
	MetricPerformance            MetricType = "PERFORMANCE"
	MetricUserAction             MetricType = "USER_ACTION"
)

var knownMetricTypes = map[MetricType]struct{}{
	MetricSystem:                 {},
	MetricTransaction:            {},
	MetricBlockchainEvent:        {},
	MetricAssetOperation:         {},
	MetricInvestment:             {},
	MetricReturns:                {},
	MetricValueChange:            {},
	MetricInvestmentDistribution: {},
	MetricROI:                    {},
	MetricPerformance:            {},
	MetricUserAction:             {},
}

// Valid 报告类型是否属于枚举.
func (t MetricType) Valid() bool {
	_, ok := knownMetricTypes[t]
	return ok
}

// Metric 一条带类型、时间戳（毫秒）和标签的观测，记录后不可变.
type Metric struct {
	Type      MetricType     `json:"type"`
	Value     *float64       `json:"value,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Float 返回指标值，未设置时为 0.
func (m Metric) Float() float64 {
	if m.Value == nil {
		return 0
	}
	return *m.Value
}

// Validate 校验类型与时间戳.
func (m Metric) Validate() error {
	if !m.Type.Valid() {
		return xerrors.InvalidArg(fmt.Sprintf("unknown metric type %q", m.Type))
	}
	if m.Timestamp < 0 {
		return xerrors.InvalidArg(fmt.Sprintf("negative metric timestamp %d", m.Timestamp))
	}
	return nil
}

// NewMetric 构造一条带值的指标.
func NewMetric(t MetricType, value float64, ts int64, metadata map[string]any) Metric {
	return Metric{Type: t, Value: &value, Timestamp: ts, Metadata: metadata}
}

// SystemMetrics 系统健康快照，各字段独立采集，失败时为 0.
type SystemMetrics struct {
	Timestamp        int64   `json:"timestamp"`
	CPUUsage         float64 `json:"cpuUsage"`
	MemoryUsage      float64 `json:"memoryUsage"`
	NetworkLatency   float64 `json:"networkLatency"`
	ActiveUsers      float64 `json:"activeUsers"`
	TransactionCount float64 `json:"transactionCount"`
	ErrorRate        float64 `json:"errorRate"`
	CanisterCycles   float64 `json:"canisterCycles"`
}

// Fields 以字段名展开快照，用于指标标签与仪表盘.
func (s SystemMetrics) Fields() map[string]float64 {
	return map[string]float64{
		"cpuUsage":         s.CPUUsage,
		"memoryUsage":      s.MemoryUsage,
		"networkLatency":   s.NetworkLatency,
		"activeUsers":      s.ActiveUsers,
		"transactionCount": s.TransactionCount,
		"errorRate":        s.ErrorRate,
		"canisterCycles":   s.CanisterCycles,
	}
}
