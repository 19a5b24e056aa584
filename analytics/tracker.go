// Package analytics 记录使用分析数据（交易、用户行为、性能快照）并提供交易分析汇总。
//
// StoreTracker 以键值存储为主存储，可选地把每条记录导出到 Sink（例如 ClickHouse）。
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// Tracker 使用分析能力.
type Tracker interface {
	TrackTransaction(ctx context.Context, tx monitoring.Transaction) error
	TrackUserBehavior(ctx context.Context, action monitoring.UserAction) error
	TrackPerformance(ctx context.Context, snapshot monitoring.SystemMetrics) error
	GetTransactionAnalytics(ctx context.Context) (*TransactionAnalytics, error)
}

const (
	transactionsKey   = "analytics:transactions"
	activeUsersKey    = "analytics:active_users"
	performanceKey    = "analytics:performance"
	latestPerfKey     = "analytics:performance:latest"
	actionCountPrefix = "analytics:actions:"
)

// TransactionAnalytics 统计窗口内的交易分析.
type TransactionAnalytics struct {
	WindowStart int64            `json:"windowStart"`
	WindowEnd   int64            `json:"windowEnd"`
	Count       int64            `json:"count"`
	Volume      decimal.Decimal  `json:"volume"`
	Average     decimal.Decimal  `json:"average"`
	UniqueUsers int64            `json:"uniqueUsers"`
	ByType      map[string]int64 `json:"byType"`
	ByStatus    map[string]int64 `json:"byStatus"`
	Hourly      []HourlyVolume   `json:"hourly"`
}

// HourlyVolume 按小时聚合的交易量.
type HourlyVolume struct {
	Hour   int64           `json:"hour"` // 小时起点，毫秒
	Count  int64           `json:"count"`
	Volume decimal.Decimal `json:"volume"`
}

// Record 导出到外部分析存储的一条记录.
type Record struct {
	Kind       string
	Name       string
	UserID     string
	Value      float64
	Timestamp  time.Time
	Attributes map[string]string
}

// Sink 分析记录的导出目标.
type Sink interface {
	Write(ctx context.Context, records ...Record) error
}

// StoreTracker 基于键值存储的 Tracker.
type StoreTracker struct {
	kv     store.KeyValueStore
	sink   Sink
	window time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// Option 配置 StoreTracker.
type Option func(*StoreTracker)

// WithSink 导出记录到外部分析存储，导出失败只记录日志.
func WithSink(s Sink) Option {
	return func(t *StoreTracker) { t.sink = s }
}

// WithWindow 设置交易分析的统计窗口，默认 24 小时.
func WithWindow(d time.Duration) Option {
	return func(t *StoreTracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(t *StoreTracker) { t.now = now }
}

// NewStoreTracker 创建基于键值存储的分析记录器.
func NewStoreTracker(kv store.KeyValueStore, logger *logging.Logger, opts ...Option) *StoreTracker {
	if logger == nil {
		logger = logging.Default()
	}
	t := &StoreTracker{
		kv:     kv,
		window: 24 * time.Hour,
		logger: logger.Named("analytics"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *StoreTracker) stamp(ts int64) int64 {
	if ts == 0 {
		return t.now().UnixMilli()
	}
	return ts
}

// TrackTransaction 把交易追加到按时间排序的分析日志.
func (t *StoreTracker) TrackTransaction(ctx context.Context, tx monitoring.Transaction) error {
	tx.Timestamp = t.stamp(tx.Timestamp)
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if err := t.kv.ZAdd(ctx, transactionsKey, float64(tx.Timestamp), string(body)); err != nil {
		t.logger.ErrorContext(ctx, "failed to track transaction", "transaction_id", tx.ID, "error", err)
		return err
	}
	t.export(ctx, Record{
		Kind:      "transaction",
		Name:      tx.Type,
		UserID:    tx.UserID,
		Value:     tx.Amount.InexactFloat64(),
		Timestamp: time.UnixMilli(tx.Timestamp),
		Attributes: map[string]string{
			"transaction_id": tx.ID,
			"status":         tx.Status,
			"amount":         tx.Amount.String(),
		},
	})
	return nil
}

// TrackUserBehavior 累计行为计数并刷新用户最近活跃时间.
func (t *StoreTracker) TrackUserBehavior(ctx context.Context, action monitoring.UserAction) error {
	action.Timestamp = t.stamp(action.Timestamp)
	if _, err := t.kv.Incr(ctx, actionCountPrefix+action.Action); err != nil {
		t.logger.ErrorContext(ctx, "failed to count user action", "action", action.Action, "error", err)
		return err
	}
	if action.UserID != "" {
		if err := t.kv.ZAdd(ctx, activeUsersKey, float64(action.Timestamp), action.UserID); err != nil {
			t.logger.ErrorContext(ctx, "failed to mark active user", "user_id", action.UserID, "error", err)
			return err
		}
	}
	t.export(ctx, Record{
		Kind:       "user_action",
		Name:       action.Action,
		UserID:     action.UserID,
		Timestamp:  time.UnixMilli(action.Timestamp),
		Attributes: map[string]string{"resource": action.Resource, "ip": action.IPAddress},
	})
	return nil
}

// TrackPerformance 保存最新性能快照并追加到性能日志.
func (t *StoreTracker) TrackPerformance(ctx context.Context, snapshot monitoring.SystemMetrics) error {
	snapshot.Timestamp = t.stamp(snapshot.Timestamp)
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := t.kv.Set(ctx, latestPerfKey, string(body), 0); err != nil {
		t.logger.ErrorContext(ctx, "failed to store performance snapshot", "error", err)
		return err
	}
	if err := t.kv.ZAdd(ctx, performanceKey, float64(snapshot.Timestamp), string(body)); err != nil {
		t.logger.ErrorContext(ctx, "failed to append performance snapshot", "error", err)
		return err
	}

	ts := time.UnixMilli(snapshot.Timestamp)
	fields := snapshot.Fields()
	records := make([]Record, 0, len(fields))
	for name, v := range fields {
		records = append(records, Record{Kind: "performance", Name: name, Value: v, Timestamp: ts})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	t.export(ctx, records...)
	return nil
}

// ActiveUsers 返回 since 之后有行为记录的用户数.
func (t *StoreTracker) ActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	members, err := t.kv.ZRangeWithScores(ctx, activeUsersKey, 0, -1)
	if err != nil {
		return 0, err
	}
	cutoff := float64(since.UnixMilli())
	var n int64
	for _, m := range members {
		if m.Score >= cutoff {
			n++
		}
	}
	return n, nil
}

// GetTransactionAnalytics 汇总统计窗口内的交易.
func (t *StoreTracker) GetTransactionAnalytics(ctx context.Context) (*TransactionAnalytics, error) {
	end := t.now()
	start := end.Add(-t.window)
	members, err := t.kv.ZRangeWithScores(ctx, transactionsKey, 0, -1)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to load transactions", "error", err)
		return nil, err
	}

	txs := make([]monitoring.Transaction, 0, len(members))
	for _, m := range members {
		if m.Score < float64(start.UnixMilli()) || m.Score > float64(end.UnixMilli()) {
			continue
		}
		var tx monitoring.Transaction
		if err := json.Unmarshal([]byte(m.Member), &tx); err != nil {
			t.logger.WarnContext(ctx, "skipping malformed transaction", "error", err)
			continue
		}
		txs = append(txs, tx)
	}
	return Summarize(txs, start, end), nil
}

// Summarize 计算一组交易的统计值.
func Summarize(txs []monitoring.Transaction, start, end time.Time) *TransactionAnalytics {
	out := &TransactionAnalytics{
		WindowStart: start.UnixMilli(),
		WindowEnd:   end.UnixMilli(),
		Volume:      decimal.Zero,
		Average:     decimal.Zero,
		ByType:      map[string]int64{},
		ByStatus:    map[string]int64{},
		Hourly:      []HourlyVolume{},
	}
	users := map[string]struct{}{}
	hours := map[int64]*HourlyVolume{}
	for _, tx := range txs {
		out.Count++
		out.Volume = out.Volume.Add(tx.Amount)
		out.ByType[tx.Type]++
		if tx.Status != "" {
			out.ByStatus[tx.Status]++
		}
		if tx.UserID != "" {
			users[tx.UserID] = struct{}{}
		}
		hour := time.UnixMilli(tx.Timestamp).Truncate(time.Hour).UnixMilli()
		h, ok := hours[hour]
		if !ok {
			h = &HourlyVolume{Hour: hour, Volume: decimal.Zero}
			hours[hour] = h
		}
		h.Count++
		h.Volume = h.Volume.Add(tx.Amount)
	}
	out.UniqueUsers = int64(len(users))
	if out.Count > 0 {
		out.Average = out.Volume.Div(decimal.NewFromInt(out.Count))
	}
	for _, h := range hours {
		out.Hourly = append(out.Hourly, *h)
	}
	sort.Slice(out.Hourly, func(i, j int) bool { return out.Hourly[i].Hour < out.Hourly[j].Hour })
	return out
}

// ActionCount 返回某类行为的累计次数.
func (t *StoreTracker) ActionCount(ctx context.Context, action string) (int64, error) {
	raw, ok, err := t.kv.Get(ctx, actionCountPrefix+action)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse action count: %w", err)
	}
	return n, nil
}

func (t *StoreTracker) export(ctx context.Context, records ...Record) {
	if t.sink == nil || len(records) == 0 {
		return
	}
	if err := t.sink.Write(ctx, records...); err != nil {
		t.logger.WarnContext(ctx, "analytics export failed", "kind", records[0].Kind, "records", len(records), "error", err)
	}
}
