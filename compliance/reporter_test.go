package compliance

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/audit"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/store/storetest"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

type seqIDs struct{ n int64 }

func (s *seqIDs) Generate() int64 { s.n++; return s.n }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
}

func newReporter(kv store.KeyValueStore, opts ...Option) *Reporter {
	var tick int64
	base := []Option{
		WithIDGenerator(&seqIDs{}),
		WithClock(func() time.Time { tick++; return time.UnixMilli(1_700_000_000_000 + tick) }),
	}
	return NewReporter(kv, testLogger(), append(base, opts...)...)
}

func TestGenerateReportWritesAuditEvent(t *testing.T) {
	ctx := context.Background()
	var events []audit.Event
	r := newReporter(store.NewMemoryStore(), WithAuditWriter(audit.WriterFunc(func(_ context.Context, e audit.Event) error {
		events = append(events, e)
		return nil
	})))

	rep, err := r.GenerateReport(ctx, ReportSecurityIncident, monitoring.SecurityIncident{
		ID: "9", Type: monitoring.IncidentDataBreach, Severity: monitoring.AlertHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "1", rep.ID)
	assert.Equal(t, "DATA_BREACH:9", rep.Subject)
	assert.Equal(t, monitoring.AlertHigh, rep.Severity)

	require.Len(t, events, 1)
	assert.Equal(t, ReportSecurityIncident, events[0].Action)
	assert.Equal(t, "1", events[0].ResourceID)
	assert.Equal(t, "HIGH", events[0].Severity)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
}

func TestGenerateReportRequiresType(t *testing.T) {
	_, err := newReporter(store.NewMemoryStore()).GenerateReport(context.Background(), " ", nil)
	assert.ErrorIs(t, err, xerrors.InvalidArg(""))
}

func TestGenerateReportFailures(t *testing.T) {
	ctx := context.Background()

	kv := storetest.NewFaultyKV(store.NewMemoryStore()).Fail("ZAdd", "compliance:*")
	_, err := newReporter(kv).GenerateReport(ctx, ReportComplianceEvent, nil)
	assert.ErrorIs(t, err, storetest.ErrInjected)

	auditErr := errors.New("audit sink down")
	r := newReporter(store.NewMemoryStore(), WithAuditWriter(audit.WriterFunc(func(context.Context, audit.Event) error {
		return auditErr
	})))
	_, err = r.GenerateReport(ctx, ReportComplianceEvent, nil)
	assert.ErrorIs(t, err, auditErr)
}

func TestAuditEventsReachTheBus(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewLocalBus(testLogger())
	var got []audit.Event
	bus.Subscribe(audit.DefaultEventName, func(_ context.Context, evt eventbus.Event) error {
		got = append(got, evt.Payload.(audit.Event))
		return nil
	})
	writer := audit.NewFanoutWriter(audit.NewLoggerWriter(testLogger()), audit.NewEventBusWriter(bus))
	r := newReporter(store.NewMemoryStore(), WithAuditWriter(writer))

	_, err := r.GenerateReport(ctx, ReportComplianceEvent, monitoring.BlockchainEvent{CanisterID: "c1", EventType: "FINANCIAL_TRANSACTION"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "FINANCIAL_TRANSACTION:c1", got[0].Metadata["subject"])
}

func TestComplianceSummary(t *testing.T) {
	ctx := context.Background()
	r := newReporter(store.NewMemoryStore(), WithRecentLimit(2))

	for _, typ := range []string{ReportComplianceEvent, ReportSecurityIncident, ReportComplianceEvent} {
		_, err := r.GenerateReport(ctx, typ, nil)
		require.NoError(t, err)
	}
	require.NoError(t, r.RecordBlockchainEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: "TRANSFER"}))
	require.NoError(t, r.RecordBlockchainEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c1", EventType: "TRANSFER"}))
	require.NoError(t, r.RecordBlockchainEvent(ctx, monitoring.BlockchainEvent{CanisterID: "c2", EventType: "MINT"}))

	s, err := r.GetComplianceSummary(ctx)
	require.NoError(t, err)
	require.Len(t, s.RecentReports, 2)
	assert.Equal(t, "3", s.RecentReports[0].ID)
	assert.Equal(t, "2", s.RecentReports[1].ID)
	assert.Equal(t, map[string]int64{ReportComplianceEvent: 2, ReportSecurityIncident: 1}, s.ReportsByType)
	assert.Equal(t, int64(3), s.RecordedEvents)
	assert.Equal(t, map[string]int64{"TRANSFER": 2, "MINT": 1}, s.EventsByType)
}

func TestComplianceSummaryDegrades(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore()
	_, err := newReporter(inner).GenerateReport(ctx, ReportComplianceEvent, nil)
	require.NoError(t, err)

	kv := storetest.NewFaultyKV(inner).Fail("ZRevRange", "*").Fail("Keys", "*").Fail("Get", "*")
	s, err := newReporter(kv).GetComplianceSummary(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s.RecentReports)
	assert.Empty(t, s.RecentReports)
	assert.Empty(t, s.ReportsByType)
	assert.Zero(t, s.RecordedEvents)
}
