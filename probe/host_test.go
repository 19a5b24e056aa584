package probe

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
)

func fixed(v float64) Reader {
	return func(context.Context) (float64, error) { return v, nil }
}

func TestSamplePushesReadings(t *testing.T) {
	ctx := context.Background()
	series := store.NewMemorySeriesStore()
	p := NewHostProbe(series, "node-1", logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard),
		WithReader(collector.SeriesCPUUsage, fixed(37.5)),
		WithReader(collector.SeriesMemoryUsage, fixed(61)),
	)

	require.NoError(t, p.Sample(ctx))

	cpu, err := series.Query(ctx, collector.SeriesCPUUsage)
	require.NoError(t, err)
	assert.Equal(t, 37.5, cpu)
	memory, err := series.Query(ctx, collector.SeriesMemoryUsage)
	require.NoError(t, err)
	assert.Equal(t, 61.0, memory)
	assert.Equal(t, "node-1", series.Labels(collector.SeriesCPUUsage, 0)["host"])
}

func TestSampleSkipsFailedReadings(t *testing.T) {
	ctx := context.Background()
	series := store.NewMemorySeriesStore()
	boom := errors.New("procfs unavailable")
	p := NewHostProbe(series, "node-1", logging.NewWithWriter(logging.Config{Service: "test"}, io.Discard),
		WithReader(collector.SeriesCPUUsage, func(context.Context) (float64, error) { return 0, boom }),
		WithReader(collector.SeriesMemoryUsage, fixed(50)),
	)

	assert.ErrorIs(t, p.Sample(ctx), boom)
	assert.Zero(t, series.Len(collector.SeriesCPUUsage))
	assert.Equal(t, 1, series.Len(collector.SeriesMemoryUsage))
}
