// Package notification 把总线上的告警以 Webhook 形式推送给值班系统.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/retry"
	"github.com/wyfcoding/agrimonitor/worker"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

const defaultUserAgent = "agrimonitor-notifier/1.0"

// Payload 推送的请求体.
type Payload struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookNotifier 向配置的全部 URL 推送告警，失败按重试策略重试.
type WebhookNotifier struct {
	urls      []string
	client    *http.Client
	userAgent string
	retry     retry.Config
	logger    *logging.Logger
	pool      *worker.Pool
}

// Option 推送器可选项.
type Option func(*WebhookNotifier)

// WithPool 通过 worker 池异步推送，总线发布方不再等待网络往返.
func WithPool(p *worker.Pool) Option {
	return func(n *WebhookNotifier) { n.pool = p }
}

// NewWebhookNotifier 创建 Webhook 推送器.
func NewWebhookNotifier(cfg config.NotificationConfig, logger *logging.Logger, opts ...Option) *WebhookNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	n := &WebhookNotifier{
		urls:      cfg.Webhooks,
		client:    &http.Client{Timeout: timeout},
		userAgent: ua,
		retry:     retry.Config{MaxRetries: cfg.MaxRetries, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2},
		logger:    logger.Named("notification"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach 订阅总线事件. 配置了 worker 池时事件被投递到池中，池满则丢弃并记录.
func (n *WebhookNotifier) Attach(bus eventbus.Bus, events ...string) {
	handler := n.Handle
	if n.pool != nil {
		handler = n.dispatch
	}
	for _, name := range events {
		bus.Subscribe(name, handler)
	}
}

func (n *WebhookNotifier) dispatch(ctx context.Context, evt eventbus.Event) error {
	err := n.pool.TrySubmit(func(taskCtx context.Context) {
		_ = n.Handle(taskCtx, evt)
	})
	if err != nil {
		n.logger.WarnContext(ctx, "webhook dropped", "event", evt.Name, "error", err)
	}
	return nil
}

// Handle 推送一条总线事件到全部 URL，返回第一个失败.
func (n *WebhookNotifier) Handle(ctx context.Context, evt eventbus.Event) error {
	body, err := json.Marshal(Payload{Event: evt.Name, Payload: evt.Payload, Timestamp: evt.Timestamp.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var firstErr error
	for _, url := range n.urls {
		err := retry.Do(ctx, func() error { return n.send(ctx, url, body) }, n.retry)
		if err != nil {
			n.logger.ErrorContext(ctx, "webhook send failed", "url", url, "event", evt.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.logger.DebugContext(ctx, "webhook sent", "url", url, "event", evt.Name)
	}
	return firstErr
}

func (n *WebhookNotifier) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.InvalidArg("invalid webhook url").WithDetail("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return xerrors.Unavailable("webhook request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := xerrors.Unavailable(fmt.Sprintf("webhook returned %s", resp.Status), nil).WithDetail("%s", detail)
		// 4xx 不会因重试而改变
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			e.Type = xerrors.ErrInvalidArg
		}
		return e
	}
	return nil
}

// Close 释放空闲连接.
func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
