package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/idgen"
	"github.com/wyfcoding/agrimonitor/limiter"
	"github.com/wyfcoding/agrimonitor/logging"
	"github.com/wyfcoding/agrimonitor/metrics"
	"github.com/wyfcoding/agrimonitor/middleware"
	"github.com/wyfcoding/agrimonitor/server"
)

// RouterOptions 路由依赖，Metrics、Limiter、Alerts 为空时不注册对应能力.
type RouterOptions struct {
	Handler     *Handler
	Server      config.ServerConfig
	Metrics     *metrics.Metrics
	MetricsPath string
	Limiter     limiter.Limiter
	Alerts      http.Handler
	IDs         idgen.Generator
	Logger      *logging.Logger
}

// NewRouter 组装中间件与路由。写入类接口额外经过限流与请求体大小限制.
func NewRouter(o RouterOptions) *gin.Engine {
	logger := o.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metricsPath := o.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	engine := server.NewDefaultGinEngine(o.Server.Mode,
		middleware.RequestID(o.IDs),
		middleware.Recovery(logger),
		middleware.Logger(logger.Named("access")),
		middleware.HTTPMetrics(o.Metrics, metricsPath, "/healthz", "/ws/alerts"),
		middleware.IPDenylist(o.Server.DenyCIDRs, o.Handler.svc.Security, logger),
	)

	engine.GET("/healthz", o.Handler.Healthz)
	if o.Metrics != nil {
		engine.GET(metricsPath, gin.WrapH(o.Metrics.Handler()))
	}
	if o.Alerts != nil {
		engine.GET("/ws/alerts", gin.WrapH(o.Alerts))
	}

	v1 := engine.Group("/api/v1", middleware.Timeout(o.Server.RequestTimeout))
	{
		v1.GET("/dashboard", o.Handler.Dashboard)
		v1.GET("/summary/metrics", o.Handler.MetricsSummary)
		v1.GET("/summary/security", o.Handler.SecuritySummary)
		v1.GET("/summary/compliance", o.Handler.ComplianceSummary)
		v1.GET("/summary/events", o.Handler.EventsSummary)
		v1.GET("/summary/transactions", o.Handler.TransactionAnalytics)
		v1.GET("/blocked/:kind/:id", o.Handler.BlockStatus)
	}

	writes := []gin.HandlerFunc{middleware.MaxBodyBytes(o.Server.MaxBodyBytes)}
	if o.Limiter != nil {
		writes = append([]gin.HandlerFunc{middleware.RateLimit(o.Limiter, logger)}, writes...)
	}
	ingest := v1.Group("", writes...)
	{
		ingest.POST("/metrics", o.Handler.RecordMetric)
		ingest.POST("/metrics/performance", o.Handler.CollectPerformance)
		ingest.POST("/transactions", o.Handler.TrackTransaction)
		ingest.POST("/security/incidents", o.Handler.HandleSecurityIncident)
		ingest.POST("/user-actions", o.Handler.TrackUserBehavior)
		ingest.POST("/blockchain/events", o.Handler.MonitorBlockchainEvent)
		ingest.POST("/assets/operations", o.Handler.MonitorAssetOperation)
		ingest.POST("/investments", o.Handler.MonitorInvestment)
		ingest.POST("/returns", o.Handler.MonitorReturns)
		ingest.POST("/events/:name", o.Handler.PublishEvent)
	}

	return engine
}
