package monitor

import (
	"github.com/wyfcoding/agrimonitor/analytics"
	"github.com/wyfcoding/agrimonitor/audit"
	"github.com/wyfcoding/agrimonitor/chain"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/compliance"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/contract"
	"github.com/wyfcoding/agrimonitor/eventbus"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/security"
	"github.com/wyfcoding/agrimonitor/security/risk"
	"github.com/wyfcoding/agrimonitor/store"
)

// Backends 外部存储与可选的导出目标.
type Backends struct {
	KV      store.KeyValueStore
	Series  store.MetricValueStore
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Sink    analytics.Sink
	Audit   audit.Writer
	IDs     idgen.Generator
}

// Hooks 集成方提供的检测器，未提供的使用默认实现.
type Hooks struct {
	Frequency    risk.FrequencyProvider
	Behavior     security.BehaviorAnalyzer
	Transactions security.TransactionPatternDetector
	Sequences    contract.SequenceDetector
	Investments  contract.InvestmentDetector
	Returns      contract.ReturnsDetector
	Load         chain.LoadProbe
	Patterns     []chain.Pattern
}

// Build 用同一组存储创建全部组件并返回编排服务.
func Build(b Backends, h Hooks, cfg config.MonitoringConfig, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if b.Bus == nil {
		b.Bus = eventbus.NewLocalBus(logger)
	}

	var collectorOpts []collector.Option
	var securityOpts []security.Option
	var chainOpts []chain.Option
	var contractOpts []contract.Option
	var trackerOpts []analytics.Option
	var reporterOpts []compliance.Option

	if b.Metrics != nil {
		collectorOpts = append(collectorOpts, collector.WithMetrics(b.Metrics))
		securityOpts = append(securityOpts, security.WithMetrics(b.Metrics))
		chainOpts = append(chainOpts, chain.WithMetrics(b.Metrics))
		contractOpts = append(contractOpts, contract.WithMetrics(b.Metrics))
	}
	if b.IDs != nil {
		securityOpts = append(securityOpts, security.WithIDGenerator(b.IDs))
		contractOpts = append(contractOpts, contract.WithIDGenerator(b.IDs))
		reporterOpts = append(reporterOpts, compliance.WithIDGenerator(b.IDs))
	}
	if b.Sink != nil {
		trackerOpts = append(trackerOpts, analytics.WithSink(b.Sink))
	}
	if b.Audit != nil {
		reporterOpts = append(reporterOpts, compliance.WithAuditWriter(b.Audit))
	}
	trackerOpts = append(trackerOpts, analytics.WithWindow(cfg.SummaryWindow))
	reporterOpts = append(reporterOpts, compliance.WithRecentLimit(cfg.RecentIncidentLimit))

	if h.Frequency != nil {
		securityOpts = append(securityOpts, security.WithFrequencyProvider(h.Frequency))
	}
	if h.Behavior != nil {
		securityOpts = append(securityOpts, security.WithBehaviorAnalyzer(h.Behavior))
	}
	if h.Transactions != nil {
		securityOpts = append(securityOpts, security.WithTransactionDetector(h.Transactions))
	}
	if h.Sequences != nil {
		contractOpts = append(contractOpts, contract.WithSequenceDetector(h.Sequences))
	}
	if h.Investments != nil {
		contractOpts = append(contractOpts, contract.WithInvestmentDetector(h.Investments))
	}
	if h.Returns != nil {
		contractOpts = append(contractOpts, contract.WithReturnsDetector(h.Returns))
	}
	if h.Load != nil {
		chainOpts = append(chainOpts, chain.WithLoadProbe(h.Load))
	}
	if len(h.Patterns) > 0 {
		chainOpts = append(chainOpts, chain.WithPatterns(h.Patterns...))
	}

	coll := collector.New(b.KV, b.Series, cfg, logger, collectorOpts...)
	sec := security.NewMonitor(b.KV, b.Bus, cfg, logger, securityOpts...)
	ch, err := chain.NewMonitor(b.KV, b.Series, b.Bus, cfg, logger, chainOpts...)
	if err != nil {
		return nil, err
	}
	return New(Components{
		Bus:        b.Bus,
		Collector:  coll,
		Security:   sec,
		Chain:      ch,
		Contracts:  contract.NewMonitor(b.KV, coll, sec, logger, contractOpts...),
		Compliance: compliance.NewReporter(b.KV, logger, reporterOpts...),
		Analytics:  analytics.NewStoreTracker(b.KV, logger, trackerOpts...),
	}, cfg, logger)
}
