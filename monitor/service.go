// Package monitor 是监控核心的编排层：订阅事件总线，把领域事件分发到各组件，并提供仪表盘聚合查询。
//
// 写入类入口按顺序调用各组件，任一步失败即返回原始错误；
// GetDashboardData 并行获取四个概览，任一失败则整体失败。
package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/agrimonitor/analytics"
	"github.com/wyfcoding/agrimonitor/chain"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/compliance"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/contract"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/security"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// Components 编排层依赖的各组件.
type Components struct {
	Bus        eventbus.Bus
	Collector  *collector.Collector
	Security   *security.Monitor
	Chain      *chain.Monitor
	Contracts  *contract.Monitor
	Compliance *compliance.Reporter
	Analytics  analytics.Tracker
}

// Service 监控编排服务.
type Service struct {
	Components
	logger    *logging.Logger
	cpuLimit  float64
	memLimit  float64
	hostLabel string
}

// New 创建编排服务并完成总线订阅. CPU、内存阈值未配置时使用默认值.
func New(c Components, cfg config.MonitoringConfig, logger *logging.Logger) (*Service, error) {
	if c.Bus == nil || c.Collector == nil || c.Security == nil || c.Chain == nil ||
		c.Contracts == nil || c.Compliance == nil || c.Analytics == nil {
		return nil, fmt.Errorf("monitor: all components are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		Components: c,
		logger:     logger.Named("monitor"),
		cpuLimit:   cfg.CPUAlertThreshold,
		memLimit:   cfg.MemoryAlertThreshold,
		hostLabel:  "platform",
	}
	defaults := config.DefaultMonitoringConfig()
	if s.cpuLimit <= 0 {
		s.cpuLimit = defaults.CPUAlertThreshold
	}
	if s.memLimit <= 0 {
		s.memLimit = defaults.MemoryAlertThreshold
	}
	s.subscribe()
	return s, nil
}

func (s *Service) subscribe() {
	s.Bus.Subscribe(monitoring.EventTransaction, func(ctx context.Context, evt eventbus.Event) error {
		tx, err := decode[monitoring.Transaction](evt.Payload)
		if err != nil {
			return err
		}
		return s.TrackTransaction(ctx, tx)
	})
	s.Bus.Subscribe(monitoring.EventSecurity, func(ctx context.Context, evt eventbus.Event) error {
		incident, err := decode[monitoring.SecurityIncident](evt.Payload)
		if err != nil {
			return err
		}
		_, err = s.HandleSecurityIncident(ctx, incident)
		return err
	})
	s.Bus.Subscribe(monitoring.EventUserAction, func(ctx context.Context, evt eventbus.Event) error {
		action, err := decode[monitoring.UserAction](evt.Payload)
		if err != nil {
			return err
		}
		return s.TrackUserBehavior(ctx, action)
	})
	s.Bus.Subscribe(monitoring.EventBlockchain, func(ctx context.Context, evt eventbus.Event) error {
		event, err := decode[monitoring.BlockchainEvent](evt.Payload)
		if err != nil {
			return err
		}
		return s.MonitorBlockchainEvent(ctx, event)
	})

	// 链上派生告警的升级处理
	s.Bus.Subscribe(monitoring.EventComplianceAlert, func(ctx context.Context, evt eventbus.Event) error {
		alert, ok := evt.Payload.(chain.Alert)
		if !ok {
			return nil
		}
		_, err := s.Compliance.GenerateReport(ctx, compliance.ReportComplianceEvent, alert)
		return err
	})
	s.Bus.Subscribe(monitoring.EventSecurityAlert, func(ctx context.Context, evt eventbus.Event) error {
		// security.Alert 是安全监控器自己的通知，不再回流
		alert, ok := evt.Payload.(chain.Alert)
		if !ok {
			return nil
		}
		_, err := s.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
			Type:            monitoring.IncidentSuspiciousBlockchain,
			AffectedSystems: []string{alert.Event.CanisterID},
			Details: map[string]any{
				"eventType": alert.Event.EventType,
				"reason":    alert.Reason,
				"eventTime": alert.Event.Timestamp,
			},
		})
		return err
	})
}

// decode 接受类型化负载、其指针，或可 JSON 转换的通用结构（例如来自 HTTP/Kafka 的 map）.
func decode[T any](payload any) (T, error) {
	var out T
	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return out, fmt.Errorf("nil %T payload", out)
		}
		return *v, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %T payload: %w", out, err)
	}
	return out, nil
}

// Publish 向总线发布事件.
func (s *Service) Publish(ctx context.Context, name string, payload any) error {
	return s.Bus.Publish(ctx, name, payload)
}

// TrackTransaction 记录 TRANSACTION 指标 → 分析 → 安全交易分析，顺序执行.
func (s *Service) TrackTransaction(ctx context.Context, tx monitoring.Transaction) error {
	amount := tx.Amount.InexactFloat64()
	if err := s.Collector.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricTransaction,
		Value:     &amount,
		Timestamp: tx.Timestamp,
		Metadata: map[string]any{
			"transactionId": tx.ID,
			"userId":        tx.UserID,
			"type":          tx.Type,
			"status":        tx.Status,
		},
	}); err != nil {
		return s.fail(ctx, "transaction metric failed", err, "transaction_id", tx.ID)
	}
	if err := s.Analytics.TrackTransaction(ctx, tx); err != nil {
		return s.fail(ctx, "transaction analytics failed", err, "transaction_id", tx.ID)
	}
	if err := s.Security.AnalyzeTransaction(ctx, tx); err != nil {
		return s.fail(ctx, "transaction security analysis failed", err, "transaction_id", tx.ID)
	}
	return nil
}

// CollectPerformanceMetrics 采集系统快照并交给分析，CPU 或内存越限时上报 HIGH 级 PERFORMANCE 事件.
func (s *Service) CollectPerformanceMetrics(ctx context.Context) (monitoring.SystemMetrics, error) {
	snapshot := s.Collector.CollectSystemMetrics(ctx)
	if err := s.Analytics.TrackPerformance(ctx, snapshot); err != nil {
		return snapshot, s.fail(ctx, "performance analytics failed", err)
	}
	if snapshot.CPUUsage > s.cpuLimit || snapshot.MemoryUsage > s.memLimit {
		if _, err := s.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
			Type:            monitoring.IncidentPerformance,
			Severity:        monitoring.AlertHigh,
			AffectedSystems: []string{s.hostLabel},
			Details: map[string]any{
				"cpuUsage":    snapshot.CPUUsage,
				"memoryUsage": snapshot.MemoryUsage,
			},
		}); err != nil {
			return snapshot, err
		}
	}
	return snapshot, nil
}

// TrackUserBehavior 记录行为分析，行为检测器判定可疑时上报 SUSPICIOUS_BEHAVIOR.
func (s *Service) TrackUserBehavior(ctx context.Context, action monitoring.UserAction) error {
	if err := s.Analytics.TrackUserBehavior(ctx, action); err != nil {
		return s.fail(ctx, "user behavior analytics failed", err, "user_id", action.UserID)
	}
	suspicious, err := s.Security.AnalyzeUserBehavior(ctx, action)
	if err != nil {
		return s.fail(ctx, "user behavior analysis failed", err, "user_id", action.UserID)
	}
	if !suspicious {
		return nil
	}
	_, err = s.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
		Type:      monitoring.IncidentSuspiciousBehavior,
		UserID:    action.UserID,
		IPAddress: action.IPAddress,
		Details:   map[string]any{"action": action.Action, "resource": action.Resource},
	})
	return err
}

// MonitorBlockchainEvent 链上处理 → BLOCKCHAIN_EVENT 指标 → 合规留痕. 合规留痕与是否产生告警无关.
func (s *Service) MonitorBlockchainEvent(ctx context.Context, event monitoring.BlockchainEvent) error {
	if err := s.Chain.ProcessEvent(ctx, event); err != nil {
		return err
	}
	if err := s.Collector.RecordMetric(ctx, monitoring.Metric{
		Type:      monitoring.MetricBlockchainEvent,
		Timestamp: event.Timestamp,
		Metadata:  map[string]any{"canisterId": event.CanisterID, "eventType": event.EventType},
	}); err != nil {
		return s.fail(ctx, "blockchain metric failed", err, "canister_id", event.CanisterID)
	}
	if err := s.Compliance.RecordBlockchainEvent(ctx, event); err != nil {
		return s.fail(ctx, "blockchain compliance recording failed", err, "canister_id", event.CanisterID)
	}
	return nil
}

// HandleSecurityIncident 交给安全监控器处理；上报方声明为 HIGH 时额外生成 SECURITY_INCIDENT 合规报告.
func (s *Service) HandleSecurityIncident(ctx context.Context, incident monitoring.SecurityIncident) (monitoring.AlertLevel, error) {
	// 先补全 ID，合规报告才能关联到已存储的事件
	incident = s.Security.Prepare(incident)
	level, err := s.Security.HandleIncident(ctx, incident)
	if err != nil {
		return level, err
	}
	if incident.Severity == monitoring.AlertHigh {
		if _, err := s.Compliance.GenerateReport(ctx, compliance.ReportSecurityIncident, incident); err != nil {
			return level, s.fail(ctx, "security incident report failed", err, "incident_type", incident.Type)
		}
	}
	return level, nil
}

// MonitorAssetOperations 转发给智能合约监控器.
func (s *Service) MonitorAssetOperations(ctx context.Context, op monitoring.AssetOperation) error {
	return s.Contracts.MonitorAssetOperations(ctx, op)
}

// MonitorInvestment 转发给智能合约监控器.
func (s *Service) MonitorInvestment(ctx context.Context, inv monitoring.Investment) (*contract.Distribution, error) {
	return s.Contracts.MonitorInvestment(ctx, inv)
}

// MonitorReturns 转发给智能合约监控器，返回最新 ROI.
func (s *Service) MonitorReturns(ctx context.Context, ret monitoring.Returns) (decimal.Decimal, error) {
	return s.Contracts.MonitorReturns(ctx, ret)
}

// GetEventsSummary 链上事件概览.
func (s *Service) GetEventsSummary(ctx context.Context) (*chain.Summary, error) {
	return s.Chain.GetEventsSummary(ctx)
}

func (s *Service) fail(ctx context.Context, msg string, err error, args ...any) error {
	s.logger.ErrorContext(ctx, msg, append(args, "error", err)...)
	return err
}
