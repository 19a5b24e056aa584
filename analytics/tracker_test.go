package analytics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/store/storetest"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

type memorySink struct {
	records []Record
	err     error
}

func (s *memorySink) Write(_ context.Context, records ...Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

var now = time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)

func newTracker(kv store.KeyValueStore, opts ...Option) *StoreTracker {
	logger := logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
	return NewStoreTracker(kv, logger, append([]Option{WithClock(func() time.Time { return now })}, opts...)...)
}

func TestTransactionAnalytics(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore())

	txs := []monitoring.Transaction{
		{ID: "t1", UserID: "u1", Type: "INVEST", Amount: decimal.RequireFromString("100.50"), Status: "COMPLETED", Timestamp: now.Add(-90 * time.Minute).UnixMilli()},
		{ID: "t2", UserID: "u2", Type: "INVEST", Amount: decimal.RequireFromString("49.50"), Status: "COMPLETED", Timestamp: now.Add(-10 * time.Minute).UnixMilli()},
		{ID: "t3", UserID: "u1", Type: "PAYOUT", Amount: decimal.RequireFromString("50"), Status: "PENDING", Timestamp: now.Add(-5 * time.Minute).UnixMilli()},
		// 窗口外
		{ID: "t0", UserID: "u3", Type: "INVEST", Amount: decimal.RequireFromString("999"), Timestamp: now.Add(-48 * time.Hour).UnixMilli()},
	}
	for _, tx := range txs {
		require.NoError(t, tr.TrackTransaction(ctx, tx))
	}

	a, err := tr.GetTransactionAnalytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Count)
	assert.True(t, a.Volume.Equal(decimal.RequireFromString("200")), a.Volume.String())
	assert.True(t, a.Average.Equal(decimal.RequireFromString("66.6666666666666667")), a.Average.String())
	assert.Equal(t, int64(2), a.UniqueUsers)
	assert.Equal(t, map[string]int64{"INVEST": 2, "PAYOUT": 1}, a.ByType)
	assert.Equal(t, map[string]int64{"COMPLETED": 2, "PENDING": 1}, a.ByStatus)
	require.Len(t, a.Hourly, 2)
	assert.Equal(t, int64(1), a.Hourly[0].Count)
	assert.Equal(t, int64(2), a.Hourly[1].Count)
}

func TestEmptyAnalytics(t *testing.T) {
	a, err := newTracker(store.NewMemoryStore()).GetTransactionAnalytics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, a.Count)
	assert.True(t, a.Average.IsZero())
	assert.NotNil(t, a.Hourly)
}

func TestUserBehaviorTracking(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore())

	require.NoError(t, tr.TrackUserBehavior(ctx, monitoring.UserAction{UserID: "u1", Action: "login", Timestamp: now.Add(-2 * time.Hour).UnixMilli()}))
	require.NoError(t, tr.TrackUserBehavior(ctx, monitoring.UserAction{UserID: "u2", Action: "login"}))
	require.NoError(t, tr.TrackUserBehavior(ctx, monitoring.UserAction{UserID: "u1", Action: "invest"}))

	logins, err := tr.ActionCount(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, int64(2), logins)

	active, err := tr.ActiveUsers(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestPerformanceTrackingExports(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	sink := &memorySink{}
	tr := newTracker(kv, WithSink(sink))

	require.NoError(t, tr.TrackPerformance(ctx, monitoring.SystemMetrics{CPUUsage: 42, MemoryUsage: 70}))

	latest, ok, err := kv.Get(ctx, "analytics:performance:latest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, latest, `"cpuUsage":42`)

	require.Len(t, sink.records, 7)
	for _, r := range sink.records {
		assert.Equal(t, "performance", r.Kind)
		assert.Equal(t, now.UnixMilli(), r.Timestamp.UnixMilli())
	}
}

func TestSinkFailureDoesNotFailTracking(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), WithSink(&memorySink{err: errors.New("clickhouse down")}))
	assert.NoError(t, tr.TrackTransaction(ctx, monitoring.Transaction{ID: "t1", Amount: decimal.NewFromInt(1)}))
}

func TestStoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	kv := storetest.NewFaultyKV(store.NewMemoryStore()).Fail("ZAdd", "analytics:*").Fail("ZRangeWithScores", "*")
	tr := newTracker(kv)

	assert.ErrorIs(t, tr.TrackTransaction(ctx, monitoring.Transaction{ID: "t1"}), storetest.ErrInjected)
	_, err := tr.GetTransactionAnalytics(ctx)
	assert.ErrorIs(t, err, storetest.ErrInjected)
}
