package chain

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// Summary 链上事件概览. 各部分独立获取，失败时为空列表.
type Summary struct {
	RecentEvents []monitoring.BlockchainEvent `json:"recentEvents"`
	Patterns     []DetectedPattern            `json:"patterns"`
	Alerts       []Alert                      `json:"alerts"`
}

// GetEventsSummary 并行获取最近事件、检测到的模式与有效告警.
// 最近事件默认扫描全部事件 key，配置 RecentEventLimit 后只返回最新的若干条.
func (m *Monitor) GetEventsSummary(ctx context.Context) (*Summary, error) {
	var (
		wg      conc.WaitGroup
		summary Summary
	)
	wg.Go(func() { summary.RecentEvents = m.recentEvents(ctx) })
	wg.Go(func() { summary.Patterns = loadAll[DetectedPattern](ctx, m, patternKeyPrefix) })
	wg.Go(func() { summary.Alerts = loadAll[Alert](ctx, m, alertKeyPrefix) })
	if err := wg.WaitAndRecover().AsError(); err != nil {
		m.logger.ErrorContext(ctx, "events summary failed", "error", err)
		return nil, err
	}
	return &summary, nil
}

func (m *Monitor) recentEvents(ctx context.Context) []monitoring.BlockchainEvent {
	events := loadAll[monitoring.BlockchainEvent](ctx, m, eventKeyPrefix)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp > events[j].Timestamp })
	if m.recentLimit > 0 && len(events) > m.recentLimit {
		events = events[:m.recentLimit]
	}
	return events
}

// loadAll 读取前缀下的全部 JSON 记录. 列举或读取失败时整体返回空列表，单条解析失败跳过.
func loadAll[T any](ctx context.Context, m *Monitor, prefix string) []T {
	out := []T{}
	keys, err := m.kv.Keys(ctx, prefix+"*")
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list keys", "prefix", prefix, "error", err)
		return out
	}
	for _, k := range keys {
		raw, ok, err := m.kv.Get(ctx, k)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to load record", "key", k, "error", err)
			return []T{}
		}
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			m.logger.WarnContext(ctx, "skipping malformed record", "key", k, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}
