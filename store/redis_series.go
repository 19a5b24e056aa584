package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/agrimonitor/idgen"
)

const seriesKeyPrefix = "series:"

// seriesMember 有序集合成员体. ID 保证相同时间戳与取值的两次推送互不覆盖.
type seriesMember struct {
	ID     int64             `json:"id"`
	Value  float64           `json:"v"`
	Labels map[string]string `json:"l,omitempty"`
}

// RedisSeriesStore 以 Redis 有序集合保存时序，score 为毫秒时间戳.
type RedisSeriesStore struct {
	client    redis.UniversalClient
	retention time.Duration
	ids       idgen.Generator
}

// NewRedisSeriesStore 创建时序存储. retention 为 0 时不裁剪历史.
func NewRedisSeriesStore(client redis.UniversalClient, retention time.Duration, ids idgen.Generator) *RedisSeriesStore {
	if ids == nil {
		ids = idgen.Default()
	}
	return &RedisSeriesStore{client: client, retention: retention, ids: ids}
}

func seriesKey(name string) string {
	return seriesKeyPrefix + name
}

func (s *RedisSeriesStore) Push(ctx context.Context, sample Sample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(seriesMember{ID: s.ids.Generate(), Value: sample.Value, Labels: sample.Labels})
	if err != nil {
		return fmt.Errorf("encode sample %s: %w", sample.Name, err)
	}

	key := seriesKey(sample.Name)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: string(body)})
		if s.retention > 0 {
			cutoff := time.Now().Add(-s.retention).UnixMilli()
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	return err
}

func (s *RedisSeriesStore) Query(ctx context.Context, name string) (float64, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, seriesKey(name), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(zs) == 0 {
		return 0, nil
	}
	m, err := decodeMember(zs[0].Member)
	if err != nil {
		return 0, fmt.Errorf("decode latest %s: %w", name, err)
	}
	return m.Value, nil
}

func (s *RedisSeriesStore) QueryRange(ctx context.Context, name string, r Range) ([]Point, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, seriesKey(name), &redis.ZRangeBy{
		Min: strconv.FormatInt(r.Start.UnixMilli(), 10),
		Max: strconv.FormatInt(r.End.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(zs))
	for _, z := range zs {
		m, err := decodeMember(z.Member)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		points = append(points, Point{Timestamp: int64(z.Score), Value: m.Value})
	}
	return bucketize(points, r), nil
}

func decodeMember(raw any) (seriesMember, error) {
	var m seriesMember
	str, ok := raw.(string)
	if !ok {
		return m, fmt.Errorf("unexpected member type %T", raw)
	}
	err := json.Unmarshal([]byte(str), &m)
	return m, err
}
