package monitor

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/chain"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/compliance"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/security"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/store/storetest"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

type seqIDs struct{ n int64 }

func (s *seqIDs) Generate() int64 { s.n++; return s.n }

type fixture struct {
	kv     *store.MemoryStore
	series *store.MemorySeriesStore
	bus    *eventbus.LocalBus
	svc    *Service
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
}

func newFixture(t *testing.T, cfg config.MonitoringConfig, hooks Hooks, wrap func(store.KeyValueStore) store.KeyValueStore) *fixture {
	t.Helper()
	f := &fixture{
		kv:     store.NewMemoryStore(),
		series: store.NewMemorySeriesStore(),
		bus:    eventbus.NewLocalBus(testLogger()),
	}
	var kv store.KeyValueStore = f.kv
	if wrap != nil {
		kv = wrap(kv)
	}
	svc, err := Build(Backends{KV: kv, Series: f.series, Bus: f.bus, IDs: &seqIDs{}}, hooks, cfg, testLogger())
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) get(t *testing.T, key string) string {
	t.Helper()
	v, _, err := f.kv.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func (f *fixture) reportsByType(t *testing.T) map[string]int64 {
	t.Helper()
	s, err := f.svc.Compliance.GetComplianceSummary(context.Background())
	require.NoError(t, err)
	return s.ReportsByType
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Components{}, config.DefaultMonitoringConfig(), nil)
	assert.Error(t, err)
}

func TestTransactionEventFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)
	ts := time.Now().UnixMilli()

	require.NoError(t, f.bus.Publish(ctx, monitoring.EventTransaction, monitoring.Transaction{
		ID: "t1", UserID: "u1", Type: "INVEST", Amount: decimal.NewFromInt(100), Timestamp: ts,
	}))
	// 通用结构负载按 JSON 转换
	require.NoError(t, f.bus.Publish(ctx, monitoring.EventTransaction, map[string]any{
		"id": "t2", "userId": "u1", "type": "INVEST", "amount": "5", "timestamp": ts + 1,
	}))

	assert.NotEmpty(t, f.get(t, collector.MetricKey(monitoring.MetricTransaction, ts)))
	history, err := f.kv.ZRange(ctx, security.UserTransactionsKey("u1"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	a, err := f.svc.Analytics.GetTransactionAnalytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Count)
	assert.True(t, a.Volume.Equal(decimal.NewFromInt(105)))
}

func TestBadPayloadDoesNotBlockOtherSubscribers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)
	delivered := 0
	f.bus.Subscribe(monitoring.EventTransaction, func(context.Context, eventbus.Event) error {
		delivered++
		return nil
	})

	assert.NoError(t, f.bus.Publish(ctx, monitoring.EventTransaction, "not a transaction"))
	assert.Equal(t, 1, delivered)
}

func TestTrackTransactionFailsHard(t *testing.T) {
	ctx := context.Background()
	var faulty *storetest.FaultyKV
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, func(kv store.KeyValueStore) store.KeyValueStore {
		faulty = storetest.NewFaultyKV(kv).Fail("ZAdd", "analytics:*")
		return faulty
	})

	err := f.svc.TrackTransaction(ctx, monitoring.Transaction{ID: "t1", UserID: "u1", Timestamp: 1})
	assert.ErrorIs(t, err, storetest.ErrInjected)
	// 分析失败后不再进行安全交易分析
	assert.Zero(t, faulty.Calls("ZRange"))
}

func TestCollectPerformanceMetricsRaisesIncident(t *testing.T) {
	cases := []struct {
		name     string
		cpu, mem float64
		incident bool
	}{
		{"cpu over limit", 85, 10, true},
		{"memory over limit", 10, 95, true},
		{"within limits", 80, 90, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)
			require.NoError(t, f.series.Push(ctx, store.Sample{Name: collector.SeriesCPUUsage, Value: tc.cpu}))
			require.NoError(t, f.series.Push(ctx, store.Sample{Name: collector.SeriesMemoryUsage, Value: tc.mem}))

			snapshot, err := f.svc.CollectPerformanceMetrics(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.cpu, snapshot.CPUUsage)
			assert.NotEmpty(t, f.get(t, "analytics:performance:latest"))

			if tc.incident {
				assert.Equal(t, "1", f.get(t, "incidents:type:"+monitoring.IncidentPerformance))
				assert.Equal(t, int64(1), f.reportsByType(t)[compliance.ReportSecurityIncident])
			} else {
				assert.Empty(t, f.get(t, "incidents:type:"+monitoring.IncidentPerformance))
				assert.Empty(t, f.reportsByType(t))
			}
		})
	}
}

func TestZeroConfigUsesDefaultResourceLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.MonitoringConfig{}, Hooks{}, nil)
	require.NoError(t, f.series.Push(ctx, store.Sample{Name: collector.SeriesCPUUsage, Value: 30}))
	require.NoError(t, f.series.Push(ctx, store.Sample{Name: collector.SeriesMemoryUsage, Value: 40}))

	_, err := f.svc.CollectPerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.get(t, "incidents:type:"+monitoring.IncidentPerformance))
}

func TestSuspiciousUserBehaviorEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{
		Behavior: security.BehaviorAnalyzerFunc(func(_ context.Context, a monitoring.UserAction) (bool, error) {
			return a.Action == "bulk_withdraw", nil
		}),
	}, nil)

	require.NoError(t, f.bus.Publish(ctx, monitoring.EventUserAction, monitoring.UserAction{UserID: "u1", Action: "login"}))
	assert.Empty(t, f.get(t, "incidents:type:"+monitoring.IncidentSuspiciousBehavior))

	require.NoError(t, f.svc.TrackUserBehavior(ctx, monitoring.UserAction{UserID: "u1", Action: "bulk_withdraw", IPAddress: "10.0.0.9"}))
	assert.Equal(t, "1", f.get(t, "incidents:type:"+monitoring.IncidentSuspiciousBehavior))
	assert.Equal(t, "1", f.get(t, "analytics:actions:bulk_withdraw"))
}

func TestBlockchainEventFlowAndComplianceEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)
	event := monitoring.BlockchainEvent{CanisterID: "c1", EventType: chain.EventFinancialTransaction, Timestamp: 42}

	require.NoError(t, f.bus.Publish(ctx, monitoring.EventBlockchain, event))

	assert.NotEmpty(t, f.get(t, chain.EventKey(42, "c1")))
	assert.NotEmpty(t, f.get(t, collector.MetricKey(monitoring.MetricBlockchainEvent, 42)))
	s, err := f.svc.Compliance.GetComplianceSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.RecordedEvents)
	assert.Equal(t, int64(1), s.ReportsByType[compliance.ReportComplianceEvent])
}

func TestSuspiciousBlockchainAlertBecomesIncident(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultMonitoringConfig()
	cfg.MaliciousPatterns = []config.PatternConfig{{Name: "c9", Fields: map[string]any{"canisterId": "c9"}}}
	f := newFixture(t, cfg, Hooks{}, nil)

	require.NoError(t, f.svc.MonitorBlockchainEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c9", EventType: "TRANSFER", Timestamp: 7}))
	assert.Equal(t, "1", f.get(t, "incidents:type:"+monitoring.IncidentSuspiciousBlockchain))
	assert.Equal(t, "1", f.get(t, "incidents:total"))
}

func TestDeclaredHighSeverityTriggersReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)

	_, err := f.svc.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
		Type: monitoring.IncidentDataBreach, Severity: monitoring.AlertHigh, AffectedSystems: []string{"ledger"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.reportsByType(t)[compliance.ReportSecurityIncident])

	// 评分为 HIGH 但上报方声明为 LOW，不生成报告
	level, err := f.svc.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
		Type: monitoring.IncidentUnauthorizedAccess, Severity: monitoring.AlertLow, UserID: "u1", DataClassification: "SECRET",
		AffectedUsers: make([]string, 200),
	})
	require.NoError(t, err)
	assert.Equal(t, monitoring.AlertHigh, level)
	assert.Equal(t, int64(1), f.reportsByType(t)[compliance.ReportSecurityIncident])
}

func TestSecurityIncidentReportLinksStoredIncident(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)

	_, err := f.svc.HandleSecurityIncident(ctx, monitoring.SecurityIncident{
		Type: monitoring.IncidentPerformance, Severity: monitoring.AlertHigh, AffectedSystems: []string{"platform"},
	})
	require.NoError(t, err)

	keys, err := f.kv.Keys(ctx, "security:incident:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	var stored monitoring.SecurityIncident
	require.NoError(t, json.Unmarshal([]byte(f.get(t, keys[0])), &stored))
	require.NotEmpty(t, stored.ID)

	s, err := f.svc.Compliance.GetComplianceSummary(ctx)
	require.NoError(t, err)
	require.Len(t, s.RecentReports, 1)
	assert.Equal(t, monitoring.IncidentPerformance+":"+stored.ID, s.RecentReports[0].Subject)
}

func TestContractPassthroughs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)

	require.NoError(t, f.svc.MonitorAssetOperations(ctx, monitoring.AssetOperation{AssetID: "farm", Operation: monitoring.AssetCreate, Timestamp: 1}))
	dist, err := f.svc.MonitorInvestment(ctx, monitoring.Investment{AssetID: "farm", InvestorID: "i1", Amount: decimal.NewFromInt(200), Timestamp: 2})
	require.NoError(t, err)
	assert.True(t, dist.Total.Equal(decimal.NewFromInt(200)))
	roi, err := f.svc.MonitorReturns(ctx, monitoring.Returns{AssetID: "farm", Amount: decimal.NewFromInt(30), Timestamp: 3})
	require.NoError(t, err)
	assert.True(t, roi.Equal(decimal.NewFromInt(15)))
}

func TestDashboardShape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, nil)
	require.NoError(t, f.svc.TrackTransaction(ctx, monitoring.Transaction{ID: "t1", UserID: "u1", Amount: decimal.NewFromInt(3), Timestamp: time.Now().UnixMilli()}))

	data, err := f.svc.GetDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), data.Transactions.Count)

	body, err := json.Marshal(data)
	require.NoError(t, err)
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &shape))
	for _, k := range []string{"transactions", "metrics", "security", "compliance"} {
		assert.Contains(t, shape, k)
		assert.NotEqual(t, "null", string(shape[k]), k)
	}
}

func TestDashboardIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultMonitoringConfig(), Hooks{}, func(kv store.KeyValueStore) store.KeyValueStore {
		return storetest.NewFaultyKV(kv).Fail("ZRangeWithScores", "analytics:transactions")
	})

	data, err := f.svc.GetDashboardData(ctx)
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.Nil(t, data)
}
