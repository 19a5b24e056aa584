// Package metrics 封装了基于 Prometheus 的指标注册表，以及监控核心自身的运行指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agrimonitor"

// Metrics 封装了独立的 Prometheus 注册中心及预定义的监控指标。
type Metrics struct {
	registry *prometheus.Registry

	BuildInfo *prometheus.GaugeVec

	// HTTP 宿主接口
	HTTPRequestsTotal   *prometheus.CounterVec   // 维度: method, path, status
	HTTPRequestDuration *prometheus.HistogramVec // 维度: method, path

	// 监控核心
	MetricsRecorded      *prometheus.CounterVec // 维度: type, status
	SystemGauge          *prometheus.GaugeVec   // 维度: field
	IncidentsTotal       *prometheus.CounterVec // 维度: type, severity
	ContainmentActions   *prometheus.CounterVec // 维度: action
	BlockchainEvents     *prometheus.CounterVec // 维度: event_type
	AlertsTotal          *prometheus.CounterVec // 维度: alert, type
	BusHandlerFailures   *prometheus.CounterVec // 维度: event
	ContractObservations *prometheus.CounterVec // 维度: kind
}

// NewMetrics 初始化并返回一个新的指标采集器，自动注册 Go 运行时与进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	m.HTTPRequestDuration = m.NewHistogramVec(&prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.MetricsRecorded = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_recorded_total",
		Help:      "Domain metrics recorded by the collector",
	}, []string{"type", "status"})

	m.SystemGauge = m.NewGaugeVec(&prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_metric",
		Help:      "Latest aggregated system metric snapshot",
	}, []string{"field"})

	m.IncidentsTotal = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_incidents_total",
		Help:      "Security incidents handled, by type and severity",
	}, []string{"type", "severity"})

	m.ContainmentActions = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "containment_actions_total",
		Help:      "Containment records written",
	}, []string{"action"})

	m.BlockchainEvents = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blockchain_events_total",
		Help:      "Ledger events processed",
	}, []string{"event_type"})

	m.AlertsTotal = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Derived alerts published on the event bus",
	}, []string{"alert", "type"})

	m.BusHandlerFailures = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_handler_failures_total",
		Help:      "Subscriber failures isolated by the event bus",
	}, []string{"event"})

	m.ContractObservations = m.NewCounterVec(&prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contract_observations_total",
		Help:      "Smart contract domain events observed",
	}, []string{"kind"})

	m.RegisterBuildInfo(serviceName, "")
	return m
}

// Registry 返回底层注册中心，便于测试中读取指标。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Registerer 返回底层注册器，供 redis 钩子等外部组件注册指标。
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts *prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(*opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts *prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(*opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewGauge 创建并注册一个无维度的仪表盘指标。
func (m *Metrics) NewGauge(opts *prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(*opts)
	m.registry.MustRegister(g)
	return g
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts *prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(*opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
