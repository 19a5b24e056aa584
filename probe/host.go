// Package probe 采集宿主机资源使用率并写入指标存储，供系统快照与负载判定使用。
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
)

// Reader 读取一项百分比读数.
type Reader func(ctx context.Context) (float64, error)

// CPUPercent 自上次调用以来的整机 CPU 使用率.
func CPUPercent(ctx context.Context) (float64, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percent) == 0 {
		return 0, errors.New("cpu percent unavailable")
	}
	return percent[0], nil
}

// MemoryPercent 物理内存使用率.
func MemoryPercent(ctx context.Context) (float64, error) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vmem.UsedPercent, nil
}

// HostProbe 把主机 CPU 与内存使用率推送到 cpu_usage / memory_usage 序列.
type HostProbe struct {
	series  store.MetricValueStore
	logger  *logging.Logger
	host    string
	readers map[string]Reader
}

// Option 配置 HostProbe.
type Option func(*HostProbe)

// WithReader 替换某个序列的读数来源.
func WithReader(series string, r Reader) Option {
	return func(p *HostProbe) { p.readers[series] = r }
}

// NewHostProbe 创建主机探针，host 写入样本标签.
func NewHostProbe(series store.MetricValueStore, host string, logger *logging.Logger, opts ...Option) *HostProbe {
	if logger == nil {
		logger = logging.Default()
	}
	p := &HostProbe{
		series: series,
		logger: logger.Named("probe"),
		host:   host,
		readers: map[string]Reader{
			collector.SeriesCPUUsage:    CPUPercent,
			collector.SeriesMemoryUsage: MemoryPercent,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sample 读取全部读数并推送. 单项读数失败跳过该项，返回合并后的错误.
func (p *HostProbe) Sample(ctx context.Context) error {
	now := time.Now()
	var errs []error
	for name, read := range p.readers {
		v, err := read(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "host reading failed", "series", name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := p.series.Push(ctx, store.Sample{
			Name:      name,
			Value:     v,
			Labels:    map[string]string{"host": p.host},
			Timestamp: now,
		}); err != nil {
			p.logger.ErrorContext(ctx, "failed to push host sample", "series", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
