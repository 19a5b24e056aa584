package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.Config{Service: "test", Module: "eventbus", Level: "debug"}, &bytes.Buffer{})
}

func TestPublishFansOutDespiteFailures(t *testing.T) {
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "failures"}, []string{"event"})
	bus := NewLocalBus(testLogger(), WithFailureCounter(failures))

	var got []string
	bus.Subscribe("security", func(context.Context, Event) error { return errors.New("boom") })
	bus.Subscribe("security", func(context.Context, Event) error { panic("bad handler") })
	bus.Subscribe("security", func(_ context.Context, evt Event) error {
		got = append(got, evt.Payload.(string))
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), "security", "inc-1"))
	require.NoError(t, bus.Publish(context.Background(), "security", "inc-2"))

	assert.Equal(t, []string{"inc-1", "inc-2"}, got)
	assert.Equal(t, 4.0, testutil.ToFloat64(failures.WithLabelValues("security")))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewLocalBus(testLogger())
	assert.NoError(t, bus.Publish(context.Background(), "nobody", nil))
	assert.Zero(t, bus.Subscribers("nobody"))
}

type recordingWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaForwarder(t *testing.T) {
	bus := NewLocalBus(testLogger())
	w := &recordingWriter{}
	fwd := NewKafkaForwarder(w, testLogger())
	fwd.Attach(bus, "security_alert", "compliance_alert")

	require.NoError(t, bus.Publish(context.Background(), "security_alert", map[string]any{"severity": "HIGH"}))
	require.NoError(t, bus.Publish(context.Background(), "blockchain_event", "ignored"))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "security_alert", string(msg.Key))

	var evt Event
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, "security_alert", evt.Name)
	assert.Equal(t, map[string]any{"severity": "HIGH"}, evt.Payload)
}

func TestKafkaForwarderReturnsWriteError(t *testing.T) {
	fwd := NewKafkaForwarder(&recordingWriter{err: errors.New("broker down")}, testLogger())
	err := fwd.Handle(context.Background(), Event{Name: "performance_alert"})
	assert.EqualError(t, err, "broker down")
}
