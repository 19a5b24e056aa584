package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/worker"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard)
}

func TestNotifierPostsBusEvents(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bus := eventbus.NewLocalBus(testLogger())
	n := NewWebhookNotifier(config.NotificationConfig{Webhooks: []string{srv.URL}}, testLogger())
	n.Attach(bus, "security_alert")

	require.NoError(t, bus.Publish(context.Background(), "security_alert", map[string]any{"type": "DATA_BREACH"}))
	assert.Equal(t, "security_alert", got.Event)
	assert.Equal(t, "DATA_BREACH", got.Payload.(map[string]any)["type"])
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.NotificationConfig{Webhooks: []string{srv.URL}, MaxRetries: 3}, testLogger())
	n.retry.InitialBackoff = time.Millisecond
	n.retry.MaxBackoff = time.Millisecond

	err := n.Handle(context.Background(), eventbus.Event{Name: "performance_alert", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.NotificationConfig{Webhooks: []string{srv.URL}, MaxRetries: 3}, testLogger())
	err := n.Handle(context.Background(), eventbus.Event{Name: "compliance_alert", Timestamp: time.Now()})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifierDispatchesThroughPool(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := worker.NewPool(worker.WithName("notification"), worker.WithSize(1), worker.WithLogger(testLogger()))
	bus := eventbus.NewLocalBus(testLogger())
	n := NewWebhookNotifier(config.NotificationConfig{Webhooks: []string{srv.URL}}, testLogger(), WithPool(pool))
	n.Attach(bus, "security_alert")

	require.NoError(t, bus.Publish(context.Background(), "security_alert", "x"))
	require.NoError(t, bus.Publish(context.Background(), "security_alert", "y"))
	pool.Stop()
	assert.Equal(t, int32(2), calls.Load())
}
