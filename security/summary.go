package security

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// BlockedEntity 当前被封禁的用户或 IP.
type BlockedEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Summary 安全概览. 各部分独立获取，失败时为空列表.
type Summary struct {
	RecentIncidents []monitoring.SecurityIncident `json:"recentIncidents"`
	ActiveAlerts    []Alert                       `json:"activeAlerts"`
	BlockedEntities []BlockedEntity               `json:"blockedEntities"`
}

// GetSecuritySummary 并行获取最近事件、有效告警与封禁列表.
func (m *Monitor) GetSecuritySummary(ctx context.Context) (*Summary, error) {
	var (
		wg      conc.WaitGroup
		summary Summary
	)
	wg.Go(func() { summary.RecentIncidents = m.recentIncidents(ctx) })
	wg.Go(func() { summary.ActiveAlerts = m.activeAlerts(ctx) })
	wg.Go(func() { summary.BlockedEntities = m.blockedEntities(ctx) })
	if err := wg.WaitAndRecover().AsError(); err != nil {
		m.logger.ErrorContext(ctx, "security summary failed", "error", err)
		return nil, err
	}
	return &summary, nil
}

func (m *Monitor) recentIncidents(ctx context.Context) []monitoring.SecurityIncident {
	out := []monitoring.SecurityIncident{}
	raw, err := m.kv.ZRevRange(ctx, incidentIndexKey, 0, m.recentLimit-1)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to load recent incidents", "error", err)
		return out
	}
	for _, r := range raw {
		var inc monitoring.SecurityIncident
		if err := json.Unmarshal([]byte(r), &inc); err != nil {
			m.logger.WarnContext(ctx, "skipping malformed incident", "error", err)
			continue
		}
		out = append(out, inc)
	}
	return out
}

func (m *Monitor) activeAlerts(ctx context.Context) []Alert {
	keys, err := m.kv.Keys(ctx, alertKeyPrefix+"*")
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list active alerts", "error", err)
		return []Alert{}
	}
	out := make([]Alert, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := m.kv.Get(ctx, k)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to load alert", "key", k, "error", err)
			return []Alert{}
		}
		if !ok {
			// 列举与读取之间过期
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			m.logger.WarnContext(ctx, "skipping malformed alert", "key", k, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Monitor) blockedEntities(ctx context.Context) []BlockedEntity {
	keys, err := m.kv.Keys(ctx, "blocked:*")
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list blocked entities", "error", err)
		return []BlockedEntity{}
	}
	out := make([]BlockedEntity, 0, len(keys))
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, BlockedEntity{Kind: parts[1], ID: parts[2]})
	}
	return out
}

// IsBlocked 报告用户或 IP 是否处于封禁状态，kind 为 "user" 或 "ip".
func (m *Monitor) IsBlocked(ctx context.Context, kind, id string) (bool, error) {
	_, ok, err := m.kv.Get(ctx, "blocked:"+kind+":"+id)
	return ok, err
}
