package chain

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/store/storetest"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

type harness struct {
	kv     *store.MemoryStore
	series *store.MemorySeriesStore
	bus    *eventbus.LocalBus
	alerts map[string][]Alert
	events int
}

func newHarness() *harness {
	logger := logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
	h := &harness{
		kv:     store.NewMemoryStore(),
		series: store.NewMemorySeriesStore(),
		bus:    eventbus.NewLocalBus(logger),
		alerts: map[string][]Alert{},
	}
	for _, name := range []string{monitoring.EventSecurityAlert, monitoring.EventPerformanceAlert, monitoring.EventComplianceAlert} {
		h.bus.Subscribe(name, func(_ context.Context, evt eventbus.Event) error {
			h.alerts[evt.Name] = append(h.alerts[evt.Name], evt.Payload.(Alert))
			return nil
		})
	}
	h.bus.Subscribe(monitoring.EventBlockchainEvent, func(context.Context, eventbus.Event) error {
		h.events++
		return nil
	})
	return h
}

func (h *harness) monitor(t *testing.T, cfg config.MonitoringConfig, kv store.KeyValueStore, opts ...Option) *Monitor {
	t.Helper()
	var tick atomic.Int64
	opts = append([]Option{WithClock(func() time.Time {
		return time.UnixMilli(1_750_000_000_000 + tick.Add(1))
	})}, opts...)
	m, err := NewMonitor(kv, h.series, h.bus, cfg, logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard), opts...)
	require.NoError(t, err)
	return m
}

func TestFinancialTransactionAlwaysRaisesComplianceAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	m := h.monitor(t, config.DefaultMonitoringConfig(), h.kv)

	require.NoError(t, m.ProcessEvent(ctx, monitoring.BlockchainEvent{
		CanisterID: "ryjl3-tyaaa", EventType: EventFinancialTransaction, Timestamp: 10,
	}))

	require.Len(t, h.alerts[monitoring.EventComplianceAlert], 1)
	assert.Equal(t, AlertCompliance, h.alerts[monitoring.EventComplianceAlert][0].Type)
	assert.Empty(t, h.alerts[monitoring.EventSecurityAlert])
	assert.Empty(t, h.alerts[monitoring.EventPerformanceAlert])
	assert.Equal(t, 1, h.events)
}

func TestFrequencyMakesEventSuspicious(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	m := h.monitor(t, config.DefaultMonitoringConfig(), h.kv)
	event := monitoring.BlockchainEvent{CanisterID: "c1", EventType: "TRANSFER"}

	for i := 1; i <= 100; i++ {
		event.Timestamp = int64(i)
		require.NoError(t, m.ProcessEvent(ctx, event))
	}
	assert.Empty(t, h.alerts[monitoring.EventSecurityAlert])

	event.Timestamp = 101
	require.NoError(t, m.ProcessEvent(ctx, event))
	require.Len(t, h.alerts[monitoring.EventSecurityAlert], 1)
	assert.Equal(t, AlertSuspicious, h.alerts[monitoring.EventSecurityAlert][0].Type)

	total, _, _ := h.kv.Get(ctx, "events:total")
	assert.Equal(t, "101", total)
	perType, _, _ := h.kv.Get(ctx, "events:type:TRANSFER")
	assert.Equal(t, "101", perType)
	patterns, err := h.kv.Keys(ctx, "blockchain:pattern:*")
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
}

func TestMaliciousPatterns(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	cfg := config.DefaultMonitoringConfig()
	cfg.MaliciousPatterns = []config.PatternConfig{
		{Name: "drain", Fields: map[string]any{"eventType": "WITHDRAW"}, Expression: `data.amount > 1000`},
		{Name: "known-bad", Fields: map[string]any{"canisterId": "bad-canister"}},
	}
	m := h.monitor(t, cfg, h.kv, WithPatterns(Pattern{
		Name: "odd-method",
		Predicates: map[string]func(any) bool{
			"data.method": func(v any) bool { s, _ := v.(string); return strings.HasPrefix(s, "__") },
		},
	}))

	cases := []struct {
		event monitoring.BlockchainEvent
		want  bool
	}{
		{monitoring.BlockchainEvent{CanisterID: "c1", EventType: "WITHDRAW", Data: map[string]any{"amount": 5000}}, true},
		{monitoring.BlockchainEvent{CanisterID: "c1", EventType: "WITHDRAW", Data: map[string]any{"amount": 10}}, false},
		{monitoring.BlockchainEvent{CanisterID: "bad-canister", EventType: "PING"}, true},
		{monitoring.BlockchainEvent{CanisterID: "c2", EventType: "CALL", Data: map[string]any{"method": "__upgrade"}}, true},
		{monitoring.BlockchainEvent{CanisterID: "c2", EventType: "CALL", Data: map[string]any{"method": "transfer"}}, false},
	}
	for _, tc := range cases {
		got, err := m.IsSuspiciousEvent(ctx, tc.event)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%+v", tc.event)
	}
}

func TestInvalidPatternExpressionFailsConstruction(t *testing.T) {
	h := newHarness()
	cfg := config.DefaultMonitoringConfig()
	cfg.MaliciousPatterns = []config.PatternConfig{{Name: "broken", Expression: `eventType +`}}
	_, err := NewMonitor(h.kv, h.series, h.bus, cfg, nil)
	assert.Error(t, err)
}

func TestPerformanceImpact(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	m := h.monitor(t, config.DefaultMonitoringConfig(), h.kv)

	assert.True(t, m.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: EventHeavyComputation}))
	assert.False(t, m.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: "TRANSFER"}))

	require.NoError(t, h.series.Push(ctx, store.Sample{Name: "cpu_usage", Value: 91}))
	assert.True(t, m.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: "TRANSFER"}))

	failing := h.monitor(t, config.DefaultMonitoringConfig(), h.kv, WithLoadProbe(LoadProbeFunc(func(context.Context) (float64, error) {
		return 0, errors.New("metrics backend down")
	})))
	assert.False(t, failing.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: "TRANSFER"}))
}

func TestZeroConfigUsesDefaultThresholds(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	m := h.monitor(t, config.MonitoringConfig{}, h.kv)

	require.NoError(t, m.ProcessEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: "MINT", Timestamp: 1}))
	assert.Empty(t, h.alerts[monitoring.EventSecurityAlert])

	require.NoError(t, h.series.Push(ctx, store.Sample{Name: "cpu_usage", Value: 50}))
	assert.False(t, m.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: "TRANSFER"}))
	require.NoError(t, h.series.Push(ctx, store.Sample{Name: "cpu_usage", Value: 81}))
	assert.True(t, m.HasPerformanceImpact(ctx, monitoring.BlockchainEvent{EventType: "TRANSFER"}))
}

func TestRegulatedActivities(t *testing.T) {
	h := newHarness()
	cfg := config.DefaultMonitoringConfig()
	cfg.RegulatedActivities = []string{"LAND_TITLE_TRANSFER"}
	m := h.monitor(t, cfg, h.kv)

	assert.True(t, m.HasComplianceImplications(monitoring.BlockchainEvent{EventType: "LAND_TITLE_TRANSFER"}))
	assert.False(t, m.HasComplianceImplications(monitoring.BlockchainEvent{EventType: "HARVEST_REPORT"}))
}

func TestAllThreeChecksCanFire(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	cfg := config.DefaultMonitoringConfig()
	cfg.MaliciousPatterns = []config.PatternConfig{{Name: "c1", Fields: map[string]any{"canisterId": "c1"}}}
	cfg.RegulatedActivities = []string{EventHeavyComputation}
	m := h.monitor(t, cfg, h.kv)

	require.NoError(t, m.ProcessEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: EventHeavyComputation, Timestamp: 5}))
	assert.Len(t, h.alerts[monitoring.EventSecurityAlert], 1)
	assert.Len(t, h.alerts[monitoring.EventPerformanceAlert], 1)
	assert.Len(t, h.alerts[monitoring.EventComplianceAlert], 1)

	alerts, err := h.kv.Keys(ctx, "blockchain:alert:*")
	require.NoError(t, err)
	assert.Len(t, alerts, 3)
}

func TestStorageIsNotRolledBackWhenAnalysisFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	kv := storetest.NewFaultyKV(h.kv).Fail("Get", "events:count:*")
	m := h.monitor(t, config.DefaultMonitoringConfig(), kv)

	err := m.ProcessEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: "TRANSFER", Timestamp: 7})
	assert.ErrorIs(t, err, storetest.ErrInjected)

	_, ok, _ := h.kv.Get(ctx, "blockchain:event:7:c1")
	assert.True(t, ok)
	assert.Zero(t, h.events)
}

func TestEventsSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	cfg := config.DefaultMonitoringConfig()
	m := h.monitor(t, cfg, h.kv)

	for _, ts := range []int64{30, 10, 20} {
		require.NoError(t, m.ProcessEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: EventFinancialTransaction, Timestamp: ts}))
	}

	s, err := m.GetEventsSummary(ctx)
	require.NoError(t, err)
	require.Len(t, s.RecentEvents, 3)
	assert.Equal(t, []int64{30, 20, 10}, []int64{s.RecentEvents[0].Timestamp, s.RecentEvents[1].Timestamp, s.RecentEvents[2].Timestamp})
	assert.Len(t, s.Alerts, 3)
	assert.Empty(t, s.Patterns)

	cfg.RecentEventLimit = 2
	capped := h.monitor(t, cfg, h.kv)
	s, err = capped.GetEventsSummary(ctx)
	require.NoError(t, err)
	assert.Len(t, s.RecentEvents, 2)
	assert.Equal(t, int64(30), s.RecentEvents[0].Timestamp)
}

func TestEventsSummaryDegradesPerSection(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	m := h.monitor(t, config.DefaultMonitoringConfig(), h.kv)
	require.NoError(t, m.ProcessEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: EventFinancialTransaction, Timestamp: 1}))

	kv := storetest.NewFaultyKV(h.kv).Fail("Keys", "blockchain:event:*").Fail("Get", "blockchain:alert:*")
	s, err := h.monitor(t, config.DefaultMonitoringConfig(), kv).GetEventsSummary(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s.RecentEvents)
	assert.Empty(t, s.RecentEvents)
	assert.Empty(t, s.Alerts)
	assert.Empty(t, s.Patterns)
}
