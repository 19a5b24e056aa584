package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegisterBuildInfo 注册构建信息指标，重复调用仅更新版本标签。
func (m *Metrics) RegisterBuildInfo(serviceName, version string) {
	if m == nil {
		return
	}
	if serviceName == "" {
		serviceName = "unknown"
	}
	if version == "" {
		version = "unknown"
	}

	if m.BuildInfo == nil {
		m.BuildInfo = m.NewGaugeVec(&prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the service",
		}, []string{"service", "version"})
	}

	m.BuildInfo.Reset()
	m.BuildInfo.WithLabelValues(serviceName, version).Set(1)
}
