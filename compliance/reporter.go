// Package compliance 生成合规报告并记录需要留痕的链上活动。
//
// 报告写入按时间排序的报告索引，同时通过 audit.Writer 输出审计事件。
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/agrimonitor/audit"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/store"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

// 报告类型.
const (
	ReportSecurityIncident = "SECURITY_INCIDENT"
	ReportComplianceEvent  = "COMPLIANCE_EVENT"
)

const (
	reportsKey           = "compliance:reports"
	reportTypePrefix     = "compliance:reports:type:"
	blockchainLogKey     = "compliance:blockchain"
	blockchainTotalKey   = "compliance:events:total"
	blockchainTypePrefix = "compliance:events:type:"
)

// Report 一份合规报告.
type Report struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Severity  monitoring.AlertLevel `json:"severity,omitempty"`
	Subject   string                `json:"subject,omitempty"`
	Details   any                   `json:"details,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

// Summary 合规概览. 各部分独立获取，失败时为空.
type Summary struct {
	RecentReports  []Report         `json:"recentReports"`
	ReportsByType  map[string]int64 `json:"reportsByType"`
	RecordedEvents int64            `json:"recordedEvents"`
	EventsByType   map[string]int64 `json:"eventsByType"`
}

// Reporter 合规报告生成器.
type Reporter struct {
	kv          store.KeyValueStore
	writer      audit.Writer
	ids         idgen.Generator
	logger      *logging.Logger
	now         func() time.Time
	recentLimit int64
}

// Option 配置 Reporter.
type Option func(*Reporter)

// WithAuditWriter 报告生成后写出审计事件.
func WithAuditWriter(w audit.Writer) Option {
	return func(r *Reporter) { r.writer = w }
}

// WithIDGenerator 替换报告 ID 生成器.
func WithIDGenerator(g idgen.Generator) Option {
	return func(r *Reporter) { r.ids = g }
}

// WithRecentLimit 概览中返回的最近报告数，默认 10.
func WithRecentLimit(n int64) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.recentLimit = n
		}
	}
}

// WithClock 替换时钟.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter 创建合规报告生成器. 未指定审计写入器时写结构化日志.
func NewReporter(kv store.KeyValueStore, logger *logging.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Reporter{
		kv:          kv,
		logger:      logger.Named("compliance"),
		now:         time.Now,
		recentLimit: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.writer == nil {
		r.writer = audit.NewLoggerWriter(r.logger)
	}
	if r.ids == nil {
		r.ids = idgen.Default()
	}
	return r
}

// GenerateReport 生成并持久化一份报告，随后写出审计事件. 任一步失败都返回原始错误.
func (r *Reporter) GenerateReport(ctx context.Context, reportType string, details any) (*Report, error) {
	if strings.TrimSpace(reportType) == "" {
		return nil, xerrors.InvalidArg("report type is required")
	}
	report := &Report{
		ID:        strconv.FormatInt(r.ids.Generate(), 10),
		Type:      reportType,
		Details:   details,
		Timestamp: r.now().UnixMilli(),
	}
	report.Subject, report.Severity = describe(details)

	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := r.kv.ZAdd(ctx, reportsKey, float64(report.Timestamp), string(body)); err != nil {
		r.logger.ErrorContext(ctx, "failed to store compliance report", "type", reportType, "error", err)
		return nil, err
	}
	if _, err := r.kv.Incr(ctx, reportTypePrefix+reportType); err != nil {
		r.logger.ErrorContext(ctx, "failed to count compliance report", "type", reportType, "error", err)
		return nil, err
	}

	event := audit.Event{
		Action:     reportType,
		Resource:   "compliance_report",
		ResourceID: report.ID,
		Severity:   string(report.Severity),
		Result:     audit.ResultSuccess,
		Timestamp:  time.UnixMilli(report.Timestamp),
		Metadata:   map[string]string{"subject": report.Subject},
	}
	if err := r.writer.Write(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to write compliance audit event", "report_id", report.ID, "error", err)
		return nil, err
	}
	return report, nil
}

// describe 从常见载荷中提取报告主题与严重级别.
func describe(details any) (string, monitoring.AlertLevel) {
	switch d := details.(type) {
	case monitoring.SecurityIncident:
		return d.Type + ":" + d.ID, d.Severity
	case *monitoring.SecurityIncident:
		return d.Type + ":" + d.ID, d.Severity
	case monitoring.BlockchainEvent:
		return d.EventType + ":" + d.CanisterID, ""
	case fmt.Stringer:
		return d.String(), ""
	}
	return "", ""
}

// RecordBlockchainEvent 为链上活动留痕，用于合规审查.
func (r *Reporter) RecordBlockchainEvent(ctx context.Context, event monitoring.BlockchainEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = r.now().UnixMilli()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.kv.ZAdd(ctx, blockchainLogKey, float64(event.Timestamp), string(body)); err != nil {
		r.logger.ErrorContext(ctx, "failed to record blockchain event", "canister_id", event.CanisterID, "error", err)
		return err
	}
	for _, key := range []string{blockchainTotalKey, blockchainTypePrefix + event.EventType} {
		if _, err := r.kv.Incr(ctx, key); err != nil {
			r.logger.ErrorContext(ctx, "failed to count blockchain event", "key", key, "error", err)
			return err
		}
	}
	return nil
}

// GetComplianceSummary 汇总最近报告与计数. 各部分失败时记录日志并返回空值.
func (r *Reporter) GetComplianceSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RecentReports: r.recentReports(ctx),
		ReportsByType: r.counters(ctx, reportTypePrefix),
		EventsByType:  r.counters(ctx, blockchainTypePrefix),
	}
	if raw, ok, err := r.kv.Get(ctx, blockchainTotalKey); err != nil {
		r.logger.ErrorContext(ctx, "failed to load recorded event total", "error", err)
	} else if ok {
		summary.RecordedEvents, _ = strconv.ParseInt(raw, 10, 64)
	}
	return summary, nil
}

func (r *Reporter) recentReports(ctx context.Context) []Report {
	out := []Report{}
	raw, err := r.kv.ZRevRange(ctx, reportsKey, 0, r.recentLimit-1)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to load recent reports", "error", err)
		return out
	}
	for _, item := range raw {
		var rep Report
		if err := json.Unmarshal([]byte(item), &rep); err != nil {
			r.logger.WarnContext(ctx, "skipping malformed report", "error", err)
			continue
		}
		out = append(out, rep)
	}
	return out
}

func (r *Reporter) counters(ctx context.Context, prefix string) map[string]int64 {
	out := map[string]int64{}
	keys, err := r.kv.Keys(ctx, prefix+"*")
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list counters", "prefix", prefix, "error", err)
		return out
	}
	for _, k := range keys {
		raw, ok, err := r.kv.Get(ctx, k)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to load counter", "key", k, "error", err)
			return map[string]int64{}
		}
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = n
	}
	return out
}
