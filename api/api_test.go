package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/health"
	"github.com/wyfcoding/agrimonitor/limiter"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/monitor"
	"github.com/wyfcoding/agrimonitor/store"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seqIDs struct{ n int64 }

func (s *seqIDs) Generate() int64 { s.n++; return s.n }

type fixture struct {
	kv       *store.MemoryStore
	registry *health.Registry
	engine   *gin.Engine
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
}

func newFixture(t *testing.T, lim limiter.Limiter) *fixture {
	t.Helper()
	logger := testLogger()
	kv := store.NewMemoryStore()
	svc, err := monitor.Build(monitor.Backends{
		KV:     kv,
		Series: store.NewMemorySeriesStore(),
		Bus:    eventbus.NewLocalBus(logger),
		IDs:    &seqIDs{},
	}, monitor.Hooks{}, config.DefaultMonitoringConfig(), logger)
	require.NoError(t, err)

	registry := health.NewRegistry(time.Second)
	engine := NewRouter(RouterOptions{
		Handler: NewHandler(svc, registry, logger),
		Server:  config.ServerConfig{DenyCIDRs: []string{"192.0.2.0/24"}, MaxBodyBytes: 1 << 16},
		Metrics: metrics.NewMetrics("api-test"),
		Limiter: lim,
		IDs:     &seqIDs{},
		Logger:  logger,
	})
	return &fixture{kv: kv, registry: registry, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path, ip string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if ip == "" {
		ip = "198.51.100.10"
	}
	req.RemoteAddr = ip + ":50000"
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestTransactionShowsOnDashboard(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/transactions", "", map[string]any{
		"id": "tx-1", "userId": "u-1", "type": "PURCHASE", "amount": "250.5", "status": "completed",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, body := f.do(t, http.MethodGet, "/api/v1/dashboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	tx := data["transactions"].(map[string]any)
	assert.EqualValues(t, 1, tx["count"])
	assert.Equal(t, "250.5", tx["volume"])
	assert.Contains(t, data, "metrics")
	assert.Contains(t, data, "security")
	assert.Contains(t, data, "compliance")
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/transactions", "", map[string]any{"userId": "u-1", "type": "PURCHASE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/investments", "", map[string]any{"assetId": "a-1", "investorId": "i-1", "amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/metrics", "", map[string]any{"type": "NOT_A_TYPE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/blocked/device/x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvestmentAndReturns(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodPost, "/api/v1/investments", "", map[string]any{"assetId": "farm-7", "investorId": "i-1", "amount": "100"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "farm-7", body["data"].(map[string]any)["assetId"])

	w, body = f.do(t, http.MethodPost, "/api/v1/returns", "", map[string]any{"assetId": "farm-7", "amount": "10", "period": "2026-Q3"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "10", body["data"].(map[string]any)["roi"])
}

func TestDeniedAndBlockedIPs(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.kv.Set(context.Background(), "blocked:ip:203.0.113.5", `{"incidentId":"1"}`, 0))

	w, _ := f.do(t, http.MethodGet, "/healthz", "192.0.2.44", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodGet, "/healthz", "203.0.113.5", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := f.do(t, http.MethodGet, "/api/v1/blocked/ip/203.0.113.5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["data"].(map[string]any)["blocked"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("redis", func(context.Context) error { return nil })

	w, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["healthy"])

	f.registry.Register("clickhouse", func(context.Context) error { return errors.New("down") })
	w, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublishEventReachesSubscribers(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodPost, "/api/v1/events/transaction", "", map[string]any{
		"id": "tx-9", "userId": "u-2", "type": "SALE", "amount": "40", "timestamp": time.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, body := f.do(t, http.MethodGet, "/api/v1/summary/transactions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["data"].(map[string]any)["count"])
}

func TestWritesAreRateLimited(t *testing.T) {
	f := newFixture(t, limiter.NewLocalLimiter(rate.Every(time.Hour), 1))
	op := map[string]any{"assetId": "farm-1", "operation": "create", "value": "1000"}

	w, _ := f.do(t, http.MethodPost, "/api/v1/assets/operations", "", op)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/v1/assets/operations", "", op)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// 查询接口不受限流影响
	w, _ = f.do(t, http.MethodGet, "/api/v1/summary/security", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/v1/summary/metrics", "", nil)

	w, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agrimonitor_http_requests_total")
}
