package audit

import (
	"context"
	"errors"

	"github.com/wyfcoding/agrimonitor/eventbus"
	"go.opentelemetry.io/otel/trace"
)

// ErrBusUnavailable 表示审计事件总线不可用。
var ErrBusUnavailable = errors.New("audit event bus unavailable")

// DefaultEventName 审计事件在总线上的默认事件名.
const DefaultEventName = "audit_event"

// EventBusWriter 将审计事件发布到事件总线，可由 Kafka 转发器继续投递。
type EventBusWriter struct {
	Bus       eventbus.Bus
	EventName string
}

// NewEventBusWriter 创建审计事件总线写入器。
func NewEventBusWriter(bus eventbus.Bus) *EventBusWriter {
	return &EventBusWriter{Bus: bus}
}

// Write 补全 TraceID 后发布审计事件。
func (w *EventBusWriter) Write(ctx context.Context, event Event) error {
	if w == nil || w.Bus == nil {
		return ErrBusUnavailable
	}

	name := w.EventName
	if name == "" {
		name = DefaultEventName
	}
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}
	return w.Bus.Publish(ctx, name, event)
}
