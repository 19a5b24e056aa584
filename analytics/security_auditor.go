package analytics

import (
	"context"

	"github.com/wyfcoding/agrimonitor/audit"
)

// DefaultAuditTable 审计事件的默认表名.
const DefaultAuditTable = "compliance_audits"

// AuditWriter 把审计事件写入 ClickHouse，实现 audit.Writer.
type AuditWriter struct {
	conn  Execer
	table string
}

// NewAuditWriter 创建 ClickHouse 审计写入器，table 为空时使用 DefaultAuditTable.
func NewAuditWriter(conn Execer, table string) *AuditWriter {
	if table == "" {
		table = DefaultAuditTable
	}
	return &AuditWriter{conn: conn, table: table}
}

// Write 记录审计事件
func (a *AuditWriter) Write(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO ` + a.table + ` (
			timestamp, action, resource, resource_id, actor_id, severity, result, trace_id, ip_address, metadata, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return a.conn.Exec(ctx, query,
		event.Timestamp.UTC(),
		event.Action,
		event.Resource,
		event.ResourceID,
		event.ActorID,
		event.Severity,
		string(event.Result),
		event.TraceID,
		event.IP,
		metadata,
		event.Error,
	)
}

// SQL 迁移建议:
/*
CREATE TABLE IF NOT EXISTS compliance_audits (
    timestamp DateTime64(3, 'UTC'),
    action LowCardinality(String),
    resource String,
    resource_id String,
    actor_id String,
    severity String,
    result String,
    trace_id String,
    ip_address String,
    metadata Map(String, String),
    error_message String
) ENGINE = MergeTree()
ORDER BY (timestamp, action, resource_id);
*/
