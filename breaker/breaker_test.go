package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/metrics"
)

func TestDisabledBreakerPassesThrough(t *testing.T) {
	b := NewBreaker(Settings{Name: "kv"}, nil)

	for i := 0; i < 20; i++ {
		err := b.Run(func() error { return errors.New("down") })
		assert.EqualError(t, err, "down")
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := NewBreaker(Settings{
		Name:        "kv",
		Config:      config.CircuitBreakerConfig{Enabled: true, MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute},
		MinRequests: 3,
	}, metrics.NewMetrics("test"))

	for i := 0; i < 3; i++ {
		_ = b.Run(func() error { return errors.New("down") })
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())
	err := b.Run(func() error { return nil })
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestIsSuccessfulKeepsBreakerClosed(t *testing.T) {
	notFound := errors.New("not found")
	b := NewBreaker(Settings{
		Name:         "kv",
		Config:       config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute},
		MinRequests:  2,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, notFound) },
	}, nil)

	for i := 0; i < 5; i++ {
		v, err := ExecuteTyped(b, func() (string, error) { return "", notFound })
		assert.Empty(t, v)
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
