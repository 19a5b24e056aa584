package security

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// 处置动作类别.
const (
	ActionBlock   = "block"
	ActionFreeze  = "freeze"
	ActionIsolate = "isolate"
	ActionProtect = "protect"
)

// ContainmentRecord 处置 key 的内容，重复处置同一事件只会刷新记录.
type ContainmentRecord struct {
	IncidentID   string `json:"incidentId"`
	IncidentType string `json:"incidentType"`
	Action       string `json:"action"`
	Timestamp    int64  `json:"timestamp"`
}

// Containment 针对一类事件的处置策略.
type Containment struct {
	Action string
	Apply  func(ctx context.Context, w *ContainmentWriter, incident monitoring.SecurityIncident) error
}

// ContainmentWriter 处置策略写入存储的唯一入口.
type ContainmentWriter struct {
	kv          store.KeyValueStore
	action      string
	now         int64
	enhancedTTL time.Duration
}

// Put 以覆盖方式写入一条处置记录.
func (w *ContainmentWriter) Put(ctx context.Context, key string, incident monitoring.SecurityIncident, ttl time.Duration) error {
	body, err := json.Marshal(ContainmentRecord{
		IncidentID:   incident.ID,
		IncidentType: incident.Type,
		Action:       w.action,
		Timestamp:    w.now,
	})
	if err != nil {
		return err
	}
	return w.kv.Set(ctx, key, string(body), ttl)
}

// EnhancedMonitoringTTL 加强监控标记的存活时间.
func (w *ContainmentWriter) EnhancedMonitoringTTL() time.Duration {
	return w.enhancedTTL
}

func blockAccess(ctx context.Context, w *ContainmentWriter, incident monitoring.SecurityIncident) error {
	if incident.UserID != "" {
		if err := w.Put(ctx, "blocked:user:"+incident.UserID, incident, 0); err != nil {
			return err
		}
	}
	if incident.IPAddress != "" {
		if err := w.Put(ctx, "blocked:ip:"+incident.IPAddress, incident, 0); err != nil {
			return err
		}
	}
	return nil
}

func freezeTransaction(ctx context.Context, w *ContainmentWriter, incident monitoring.SecurityIncident) error {
	if incident.TransactionID != "" {
		if err := w.Put(ctx, "frozen:transaction:"+incident.TransactionID, incident, 0); err != nil {
			return err
		}
	}
	if incident.UserID != "" {
		if err := w.Put(ctx, "frozen:user:"+incident.UserID, incident, 0); err != nil {
			return err
		}
	}
	return nil
}

func isolateSystems(ctx context.Context, w *ContainmentWriter, incident monitoring.SecurityIncident) error {
	for _, system := range incident.AffectedSystems {
		if err := w.Put(ctx, "isolated:system:"+system, incident, 0); err != nil {
			return err
		}
	}
	return nil
}

// protect 默认处置：写通用保护记录，并对该事件类型开启限时的加强监控.
func protect(ctx context.Context, w *ContainmentWriter, incident monitoring.SecurityIncident) error {
	if err := w.Put(ctx, "protection:"+incident.Type+":"+incident.ID, incident, 0); err != nil {
		return err
	}
	return w.kv.Set(ctx, EnhancedMonitoringKey(incident.Type), "true", w.enhancedTTL)
}

// EnhancedMonitoringKey 加强监控标记的 key.
func EnhancedMonitoringKey(incidentType string) string {
	return "monitoring:enhanced:" + incidentType
}

func defaultContainments() map[string]Containment {
	return map[string]Containment{
		monitoring.IncidentUnauthorizedAccess:    {Action: ActionBlock, Apply: blockAccess},
		monitoring.IncidentSuspiciousTransaction: {Action: ActionFreeze, Apply: freezeTransaction},
		monitoring.IncidentDataBreach:            {Action: ActionIsolate, Apply: isolateSystems},
	}
}

var fallbackContainment = Containment{Action: ActionProtect, Apply: protect}
