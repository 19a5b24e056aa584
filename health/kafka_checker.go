package health

import (
	"context"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaChecker 返回告警转发所用 Kafka 集群的健康检查函数，探测第一个 broker。
func KafkaChecker(brokers []string, dialer *kafkago.Dialer) Checker {
	if dialer == nil {
		dialer = &kafkago.Dialer{Timeout: defaultCheckTimeout}
	}
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("kafka brokers is empty")
		}

		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return fmt.Errorf("kafka dial failed: %w", err)
		}
		defer conn.Close()

		if _, err := conn.Brokers(); err != nil {
			return fmt.Errorf("kafka brokers fetch failed: %w", err)
		}

		return nil
	}
}
