package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/breaker"
	"github.com/wyfcoding/agrimonitor/config"
)

type seqIDs struct{ n int64 }

func (s *seqIDs) Generate() int64 {
	s.n++
	return s.n
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	s := NewRedisStore(client)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "alert:security:1", `{"id":"1"}`, 24*time.Hour))
	v, ok, err := s.Get(ctx, "alert:security:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"1"}`, v)
	assert.Equal(t, 24*time.Hour, mr.TTL("alert:security:1"))

	n, err := s.Incr(ctx, "incidents:total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Set(ctx, "blocked:user:u1", "1", 0))
	keys, err := s.Keys(ctx, "blocked:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked:user:u1"}, keys)
}

func TestRedisStorePrefixIsStripped(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	s := NewRedisStore(client).WithPrefix("agri")

	require.NoError(t, s.Set(ctx, "blocked:ip:1.2.3.4", "1", 0))
	assert.True(t, mr.Exists("agri:blocked:ip:1.2.3.4"))

	keys, err := s.Keys(ctx, "blocked:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked:ip:1.2.3.4"}, keys)
}

func TestRedisStoreSortedSet(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	s := NewRedisStore(client)

	require.NoError(t, s.ZAdd(ctx, "security:incidents", 20, "b"))
	require.NoError(t, s.ZAdd(ctx, "security:incidents", 10, "a"))

	asc, err := s.ZRange(ctx, "security:incidents", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, asc)

	desc, err := s.ZRevRange(ctx, "security:incidents", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, desc)

	scored, err := s.ZRangeWithScores(ctx, "security:incidents", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []ScoredMember{{Member: "a", Score: 10}, {Member: "b", Score: 20}}, scored)
}

func TestRedisSeriesStore(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	s := NewRedisSeriesStore(client, 0, &seqIDs{})
	base := time.UnixMilli(1_000_000)

	sample := Sample{Name: "SYSTEM", Value: 5, Timestamp: base, Labels: map[string]string{"timestamp": "1000000"}}
	require.NoError(t, s.Push(ctx, sample))
	require.NoError(t, s.Push(ctx, sample))

	points, err := s.QueryRange(ctx, "SYSTEM", Range{Start: base, End: base})
	require.NoError(t, err)
	assert.Len(t, points, 2)

	require.NoError(t, s.Push(ctx, Sample{Name: "SYSTEM", Value: 9, Timestamp: base.Add(time.Second)}))
	latest, err := s.Query(ctx, "SYSTEM")
	require.NoError(t, err)
	assert.Equal(t, 9.0, latest)

	empty, err := s.Query(ctx, "canister_cycles")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestRedisSeriesStoreRetention(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	s := NewRedisSeriesStore(client, time.Hour, &seqIDs{})
	now := time.Now()

	require.NoError(t, s.Push(ctx, Sample{Name: "cpu_usage", Value: 1, Timestamp: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Push(ctx, Sample{Name: "cpu_usage", Value: 2, Timestamp: now}))

	points, err := s.QueryRange(ctx, "cpu_usage", Range{Start: now.Add(-3 * time.Hour), End: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2.0, points[0].Value)
}

type downStore struct{ KeyValueStore }

func (downStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func TestGuardedStoreOpensBreaker(t *testing.T) {
	ctx := context.Background()
	cb := breaker.NewBreaker(breaker.Settings{
		Name:        "kv",
		Config:      config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute},
		MinRequests: 2,
	}, nil)
	g := NewGuardedStore(downStore{NewMemoryStore()}, cb)

	for i := 0; i < 2; i++ {
		_, _, err := g.Get(ctx, "k")
		assert.EqualError(t, err, "connection refused")
	}
	_, _, err := g.Get(ctx, "k")
	assert.ErrorIs(t, err, breaker.ErrServiceUnavailable)

	// 其他方法共用同一熔断器
	assert.ErrorIs(t, g.Set(ctx, "k", "v", 0), breaker.ErrServiceUnavailable)
}

func TestGuardedStorePassesValues(t *testing.T) {
	ctx := context.Background()
	g := NewGuardedStore(NewMemoryStore(), nil)

	require.NoError(t, g.Set(ctx, "k", "v", 0))
	v, ok, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	gs := NewGuardedSeriesStore(NewMemorySeriesStore(), nil)
	require.NoError(t, gs.Push(ctx, Sample{Name: "x", Value: 3}))
	got, err := gs.Query(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
}
