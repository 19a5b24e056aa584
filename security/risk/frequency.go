package risk

import (
	"context"
	"strconv"

	"github.com/wyfcoding/agrimonitor/store"
)

// IncidentTypeKey 每类安全事件的累计计数 key.
func IncidentTypeKey(incidentType string) string {
	return "incidents:type:" + incidentType
}

// CounterFrequency 读取存储中按类型累计的事件数，不做归一化也不衰减.
type CounterFrequency struct {
	kv store.KeyValueStore
}

// NewCounterFrequency 创建基于计数器的频率来源.
func NewCounterFrequency(kv store.KeyValueStore) *CounterFrequency {
	return &CounterFrequency{kv: kv}
}

func (c *CounterFrequency) Frequency(ctx context.Context, incidentType string) (float64, error) {
	raw, ok, err := c.kv.Get(ctx, IncidentTypeKey(incidentType))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}
