package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageWriter 抽象 kafka.Writer，便于替换.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaForwarder 把指定的总线事件转发到 Kafka 主题，供平台外部的告警系统消费.
type KafkaForwarder struct {
	writer MessageWriter
	logger *logging.Logger
}

// NewKafkaWriter 按配置创建 kafka.Writer.
func NewKafkaWriter(cfg config.KafkaConfig) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  5,
		RequiredAcks: kafkago.RequireAll,
		Async:        cfg.Async,
	}
}

// NewKafkaForwarder 创建转发器.
func NewKafkaForwarder(writer MessageWriter, logger *logging.Logger) *KafkaForwarder {
	if logger == nil {
		logger = logging.Default()
	}
	return &KafkaForwarder{writer: writer, logger: logger.Named("kafka-forwarder")}
}

// Attach 为每个事件名注册转发处理器.
func (f *KafkaForwarder) Attach(bus Bus, events ...string) {
	for _, name := range events {
		bus.Subscribe(name, f.Handle)
	}
}

// Handle 序列化事件并写入 Kafka，消息 key 为事件名，头部携带链路上下文.
func (f *KafkaForwarder) Handle(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Name, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafkago.Header, 0, len(carrier)+1)
	headers = append(headers, kafkago.Header{Key: "event", Value: []byte(evt.Name)})
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	msg := kafkago.Message{
		Key:     []byte(evt.Name),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.ErrorContext(ctx, "failed to forward event", "event", evt.Name, "error", err)
		return err
	}
	return nil
}

// Close 关闭底层 writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
