// Package risk 提供安全事件的严重度评分：频率、影响面与数据敏感度的加权组合。
package risk

import (
	"context"
	"math"
	"strings"

	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// 评分权重与分级阈值.
const (
	FrequencyWeight   = 0.3
	ImpactWeight      = 0.4
	SensitivityWeight = 0.3

	HighThreshold   = 0.8
	MediumThreshold = 0.5
)

// UnknownSensitivity 未声明或无法识别的数据分级按高敏感处理.
const UnknownSensitivity = 0.8

var sensitivityTable = map[string]float64{
	"PUBLIC":       0.2,
	"INTERNAL":     0.4,
	"CONFIDENTIAL": 0.6,
	"RESTRICTED":   0.8,
	"SECRET":       1.0,
}

// Sensitivity 返回数据分级对应的敏感度.
func Sensitivity(classification string) float64 {
	if v, ok := sensitivityTable[strings.ToUpper(classification)]; ok {
		return v
	}
	return UnknownSensitivity
}

// Impact 依据受影响的用户与资产数量计算影响面，上限为 1.
func Impact(affectedUsers, affectedAssets int) float64 {
	return math.Min((float64(affectedUsers)*0.6+float64(affectedAssets)*0.4)/100, 1)
}

// Classify 把综合分映射为告警级别.
func Classify(score float64) monitoring.AlertLevel {
	switch {
	case score >= HighThreshold:
		return monitoring.AlertHigh
	case score >= MediumThreshold:
		return monitoring.AlertMedium
	default:
		return monitoring.AlertLow
	}
}

// FrequencyProvider 提供某类事件的发生频率. 默认实现读取不衰减的累计计数，
// 替换为窗口化实现时评分公式不变.
type FrequencyProvider interface {
	Frequency(ctx context.Context, incidentType string) (float64, error)
}

// FrequencyFunc 适配普通函数.
type FrequencyFunc func(ctx context.Context, incidentType string) (float64, error)

func (f FrequencyFunc) Frequency(ctx context.Context, incidentType string) (float64, error) {
	return f(ctx, incidentType)
}

// Assessment 单次评分的明细.
type Assessment struct {
	Level       monitoring.AlertLevel `json:"level"`
	Score       float64               `json:"score"`
	Frequency   float64               `json:"frequency"`
	Impact      float64               `json:"impact"`
	Sensitivity float64               `json:"sensitivity"`
}

// Scorer 组合三个因子得出严重度.
type Scorer struct {
	freq FrequencyProvider
}

// NewScorer 创建评分器.
func NewScorer(freq FrequencyProvider) *Scorer {
	return &Scorer{freq: freq}
}

// Assess 计算评分. 频率读取失败时返回错误，由调用方决定降级策略.
func (s *Scorer) Assess(ctx context.Context, incident monitoring.SecurityIncident) (*Assessment, error) {
	frequency, err := s.freq.Frequency(ctx, incident.Type)
	if err != nil {
		return nil, err
	}
	a := &Assessment{
		Frequency:   frequency,
		Impact:      Impact(len(incident.AffectedUsers), len(incident.AffectedAssets)),
		Sensitivity: Sensitivity(incident.DataClassification),
	}
	a.Score = FrequencyWeight*a.Frequency + ImpactWeight*a.Impact + SensitivityWeight*a.Sensitivity
	a.Level = Classify(a.Score)
	return a, nil
}
