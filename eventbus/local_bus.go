// Package eventbus 提供了进程内的发布/订阅通信模型。
// 分发为同步扇出：每个订阅者恰好收到一次事件，单个订阅者的错误或 panic 被隔离并记录，不影响其他订阅者。
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/agrimonitor/logging"
)

// Event 总线上传递的一条事件.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler 事件处理函数.
type Handler func(ctx context.Context, evt Event) error

// Bus 发布/订阅接口.
type Bus interface {
	Subscribe(name string, handler Handler)
	Publish(ctx context.Context, name string, payload any) error
}

// LocalBus 基于内存的本地事件总线实现。
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	logger      *logging.Logger
	failures    *prometheus.CounterVec
}

// Option 配置 LocalBus.
type Option func(*LocalBus)

// WithFailureCounter 订阅者失败时累加计数，维度为事件名.
func WithFailureCounter(c *prometheus.CounterVec) Option {
	return func(b *LocalBus) { b.failures = c }
}

// NewLocalBus 创建一个新的本地事件总线。
func NewLocalBus(logger *logging.Logger, opts ...Option) *LocalBus {
	if logger == nil {
		logger = logging.Default()
	}
	b := &LocalBus{
		subscribers: make(map[string][]Handler),
		logger:      logger.Named("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe 订阅事件，同一事件的订阅者按注册顺序被调用。
func (b *LocalBus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], handler)
}

// Publish 同步发布事件到全部订阅者。订阅者失败不会返回给发布者。
func (b *LocalBus) Publish(ctx context.Context, name string, payload any) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[name]...)
	b.mu.RUnlock()

	evt := Event{Name: name, Payload: payload, Timestamp: time.Now()}
	for _, h := range handlers {
		if err := b.dispatch(ctx, h, evt); err != nil {
			b.logger.ErrorContext(ctx, "event handler failed", "event", name, "error", err)
			if b.failures != nil {
				b.failures.WithLabelValues(name).Inc()
			}
		}
	}
	return nil
}

func (b *LocalBus) dispatch(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, evt)
}

// Subscribers 返回事件当前的订阅者数量.
func (b *LocalBus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[name])
}
