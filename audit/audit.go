// Package audit 提供审计事件模型与写入器。
// 合规报告生成时写出一条审计事件，写入器可以组合：结构化日志、事件总线、ClickHouse。
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/agrimonitor/logging"
)

// Result 表示审计事件的结果类型。
type Result string

const (
	// ResultSuccess 表示审计成功。
	ResultSuccess Result = "SUCCESS"
	// ResultFailure 表示审计失败。
	ResultFailure Result = "FAILURE"
)

// Event 定义通用审计事件结构。
type Event struct {
	// Action 业务动作（例如 SECURITY_INCIDENT）。
	Action string `json:"action"`
	// Resource 资源类型（例如 compliance_report）。
	Resource   string `json:"resource"`
	ResourceID string `json:"resourceId"`
	ActorID    string `json:"actorId,omitempty"`
	// Severity 关联的严重级别。
	Severity  string            `json:"severity,omitempty"`
	Result    Result            `json:"result"`
	TraceID   string            `json:"traceId,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Writer 定义审计事件写入器接口。
type Writer interface {
	Write(ctx context.Context, event Event) error
}

// WriterFunc 适配普通函数.
type WriterFunc func(ctx context.Context, event Event) error

func (f WriterFunc) Write(ctx context.Context, event Event) error { return f(ctx, event) }

// LoggerWriter 使用统一日志系统写入审计事件。
type LoggerWriter struct {
	Logger *logging.Logger
}

// NewLoggerWriter 创建一个日志审计写入器。
func NewLoggerWriter(logger *logging.Logger) *LoggerWriter {
	return &LoggerWriter{Logger: logger}
}

// Write 输出结构化审计日志。
func (w *LoggerWriter) Write(ctx context.Context, event Event) error {
	logger := logging.Default()
	if w != nil && w.Logger != nil {
		logger = w.Logger
	}

	attrs := buildAuditAttrs(event)
	if event.Result == ResultFailure {
		logger.ErrorContext(ctx, "audit event", attrs...)
		return nil
	}

	logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}

// FanoutWriter 将审计事件写入多个下游。
type FanoutWriter struct {
	writers []Writer
}

// NewFanoutWriter 创建一个多路写入器。
func NewFanoutWriter(writers ...Writer) *FanoutWriter {
	return &FanoutWriter{writers: writers}
}

// Write 写入所有下游，单个下游失败不影响其余下游，返回合并后的错误。
func (w *FanoutWriter) Write(ctx context.Context, event Event) error {
	var errs []error
	for _, writer := range w.writers {
		if writer == nil {
			continue
		}
		if err := writer.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildAuditAttrs(event Event) []any {
	attrs := make([]any, 0, 20)
	attrs = appendIf(attrs, "action", event.Action)
	attrs = appendIf(attrs, "resource", event.Resource)
	attrs = appendIf(attrs, "resource_id", event.ResourceID)
	attrs = appendIf(attrs, "actor_id", event.ActorID)
	attrs = appendIf(attrs, "severity", event.Severity)
	attrs = appendIf(attrs, "result", string(event.Result))
	attrs = appendIf(attrs, "trace_id", event.TraceID)
	attrs = appendIf(attrs, "client_ip", event.IP)
	if !event.Timestamp.IsZero() {
		attrs = append(attrs, "timestamp", event.Timestamp)
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, "metadata", event.Metadata)
	}
	attrs = appendIf(attrs, "error", event.Error)
	return attrs
}

func appendIf(attrs []any, key, value string) []any {
	if value == "" {
		return attrs
	}
	return append(attrs, key, value)
}
