// Package api 暴露监控核心的 HTTP 接口：仪表盘与各组件概览查询，以及交易、安全事件、用户行为、链上事件和合约操作的写入.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/health"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/monitor"
	"github.com/wyfcoding/agrimonitor/response"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

// Handler HTTP 处理器集合.
type Handler struct {
	svc    *monitor.Service
	health *health.Registry
	logger *logging.Logger
	now    func() time.Time
}

// NewHandler 创建处理器，registry 可为空.
func NewHandler(svc *monitor.Service, registry *health.Registry, logger *logging.Logger) *Handler {
	if registry == nil {
		registry = health.NewRegistry(0)
	}
	return &Handler{svc: svc, health: registry, logger: logger.Named("api"), now: time.Now}
}

func (h *Handler) nowMillis() int64 { return h.now().UnixMilli() }

// bind 解析 JSON 请求体，失败时写出 400 并返回 false.
func bind[T any](c *gin.Context) (T, bool) {
	var v T
	if err := c.ShouldBindJSON(&v); err != nil {
		response.Error(c, xerrors.InvalidArg("invalid request body").WithDetail("%v", err))
		return v, false
	}
	return v, true
}

// Healthz 依赖健康检查，任一依赖异常返回 503.
func (h *Handler) Healthz(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Dashboard 仪表盘，任一概览失败整体返回错误.
func (h *Handler) Dashboard(c *gin.Context) {
	data, err := h.svc.GetDashboardData(c.Request.Context())
	if err != nil {
		response.Error(c, xerrors.Wrap(err, xerrors.ErrUnavailable, "dashboard unavailable"))
		return
	}
	response.Success(c, data)
}

func (h *Handler) MetricsSummary(c *gin.Context) {
	h.summary(c, "metrics summary unavailable", func() (any, error) {
		return h.svc.Collector.GetMetricsSummary(c.Request.Context())
	})
}

func (h *Handler) SecuritySummary(c *gin.Context) {
	h.summary(c, "security summary unavailable", func() (any, error) {
		return h.svc.Security.GetSecuritySummary(c.Request.Context())
	})
}

func (h *Handler) ComplianceSummary(c *gin.Context) {
	h.summary(c, "compliance summary unavailable", func() (any, error) {
		return h.svc.Compliance.GetComplianceSummary(c.Request.Context())
	})
}

func (h *Handler) EventsSummary(c *gin.Context) {
	h.summary(c, "events summary unavailable", func() (any, error) {
		return h.svc.GetEventsSummary(c.Request.Context())
	})
}

func (h *Handler) TransactionAnalytics(c *gin.Context) {
	h.summary(c, "transaction analytics unavailable", func() (any, error) {
		return h.svc.Analytics.GetTransactionAnalytics(c.Request.Context())
	})
}

func (h *Handler) summary(c *gin.Context, msg string, fetch func() (any, error)) {
	data, err := fetch()
	if err != nil {
		response.Error(c, xerrors.Wrap(err, xerrors.ErrUnavailable, msg))
		return
	}
	response.Success(c, data)
}

// BlockStatus 查询用户或 IP 的封禁状态.
func (h *Handler) BlockStatus(c *gin.Context) {
	kind := c.Param("kind")
	if kind != "user" && kind != "ip" {
		response.Error(c, xerrors.InvalidArg("kind must be user or ip"))
		return
	}
	blocked, err := h.svc.Security.IsBlocked(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		response.Error(c, xerrors.Wrap(err, xerrors.ErrUnavailable, "block lookup failed"))
		return
	}
	response.Success(c, gin.H{"kind": kind, "id": c.Param("id"), "blocked": blocked})
}

// RecordMetric 直接记录一条指标.
func (h *Handler) RecordMetric(c *gin.Context) {
	m, ok := bind[monitoring.Metric](c)
	if !ok {
		return
	}
	if m.Timestamp == 0 {
		m.Timestamp = h.nowMillis()
	}
	h.accepted(c, m, h.svc.Collector.RecordMetric(c.Request.Context(), m))
}

// CollectPerformance 立即采集一次系统快照.
func (h *Handler) CollectPerformance(c *gin.Context) {
	snapshot, err := h.svc.CollectPerformanceMetrics(c.Request.Context())
	h.accepted(c, snapshot, err)
}

func (h *Handler) TrackTransaction(c *gin.Context) {
	tx, ok := bind[monitoring.Transaction](c)
	if !ok {
		return
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = h.nowMillis()
	}
	h.accepted(c, tx, h.svc.TrackTransaction(c.Request.Context(), tx))
}

func (h *Handler) HandleSecurityIncident(c *gin.Context) {
	incident, ok := bind[monitoring.SecurityIncident](c)
	if !ok {
		return
	}
	if incident.Timestamp == 0 {
		incident.Timestamp = h.nowMillis()
	}
	level, err := h.svc.HandleSecurityIncident(c.Request.Context(), incident)
	h.accepted(c, gin.H{"type": incident.Type, "severity": level}, err)
}

func (h *Handler) TrackUserBehavior(c *gin.Context) {
	action, ok := bind[monitoring.UserAction](c)
	if !ok {
		return
	}
	if action.Timestamp == 0 {
		action.Timestamp = h.nowMillis()
	}
	if action.IPAddress == "" {
		action.IPAddress = c.ClientIP()
	}
	h.accepted(c, action, h.svc.TrackUserBehavior(c.Request.Context(), action))
}

func (h *Handler) MonitorBlockchainEvent(c *gin.Context) {
	event, ok := bind[monitoring.BlockchainEvent](c)
	if !ok {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = h.nowMillis()
	}
	h.accepted(c, event, h.svc.MonitorBlockchainEvent(c.Request.Context(), event))
}

func (h *Handler) MonitorAssetOperation(c *gin.Context) {
	op, ok := bind[monitoring.AssetOperation](c)
	if !ok {
		return
	}
	if op.Timestamp == 0 {
		op.Timestamp = h.nowMillis()
	}
	h.accepted(c, op, h.svc.MonitorAssetOperations(c.Request.Context(), op))
}

func (h *Handler) MonitorInvestment(c *gin.Context) {
	inv, ok := bind[monitoring.Investment](c)
	if !ok {
		return
	}
	if !inv.Amount.IsPositive() {
		response.Error(c, xerrors.InvalidArg("investment amount must be positive"))
		return
	}
	if inv.Timestamp == 0 {
		inv.Timestamp = h.nowMillis()
	}
	dist, err := h.svc.MonitorInvestment(c.Request.Context(), inv)
	h.accepted(c, dist, err)
}

func (h *Handler) MonitorReturns(c *gin.Context) {
	ret, ok := bind[monitoring.Returns](c)
	if !ok {
		return
	}
	if ret.Timestamp == 0 {
		ret.Timestamp = h.nowMillis()
	}
	roi, err := h.svc.MonitorReturns(c.Request.Context(), ret)
	h.accepted(c, gin.H{"assetId": ret.AssetID, "roi": roi}, err)
}

// PublishEvent 把任意负载发布到总线，由订阅方处理.
func (h *Handler) PublishEvent(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, xerrors.InvalidArg("invalid request body").WithDetail("%v", err))
		return
	}
	name := c.Param("name")
	h.accepted(c, gin.H{"event": name}, h.svc.Publish(c.Request.Context(), name, payload))
}

func (h *Handler) accepted(c *gin.Context, data any, err error) {
	if err != nil {
		if _, ok := xerrors.FromError(err); !ok {
			err = xerrors.Wrap(err, xerrors.ErrUnavailable, "monitoring backend failed")
		}
		response.Error(c, err)
		return
	}
	response.SuccessWithStatus(c, http.StatusAccepted, data)
}
