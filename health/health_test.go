package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestRegistryAggregates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRegistry(time.Second)
	r.Register("redis", RedisChecker(client))
	r.Register("clickhouse", ClickHouseChecker(pinger{}))

	report := r.Check(context.Background())
	require.True(t, report.Healthy)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "clickhouse", report.Checks[0].Name)
	assert.Equal(t, "redis", report.Checks[1].Name)

	r.Register("clickhouse", ClickHouseChecker(pinger{err: errors.New("connection refused")}))
	report = r.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.False(t, report.Checks[0].Healthy)
	assert.Contains(t, report.Checks[0].Error, "connection refused")
	assert.True(t, report.Checks[1].Healthy)
}

func TestCheckerTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	report := r.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Checks[0].Error, "deadline")
}

func TestNilDependencies(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, RedisChecker(nil)(ctx))
	assert.Error(t, ClickHouseChecker(nil)(ctx))
	assert.Error(t, KafkaChecker(nil, nil)(ctx))
}
