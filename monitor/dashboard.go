package monitor

import (
	"context"

	"github.com/wyfcoding/agrimonitor/analytics"
	"github.com/wyfcoding/agrimonitor/collector"
	"github.com/wyfcoding/agrimonitor/compliance"
	"github.com/wyfcoding/agrimonitor/security"
	"golang.org/x/sync/errgroup"
)

// DashboardData 仪表盘输出.
type DashboardData struct {
	Transactions *analytics.TransactionAnalytics `json:"transactions"`
	Metrics      *collector.Summary              `json:"metrics"`
	Security     *security.Summary               `json:"security"`
	Compliance   *compliance.Summary             `json:"compliance"`
}

// GetDashboardData 并行获取四个概览，任一失败则整体失败.
func (s *Service) GetDashboardData(ctx context.Context) (*DashboardData, error) {
	var data DashboardData
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		data.Transactions, err = s.Analytics.GetTransactionAnalytics(gctx)
		return err
	})
	g.Go(func() (err error) {
		data.Metrics, err = s.Collector.GetMetricsSummary(gctx)
		return err
	})
	g.Go(func() (err error) {
		data.Security, err = s.Security.GetSecuritySummary(gctx)
		return err
	})
	g.Go(func() (err error) {
		data.Compliance, err = s.Compliance.GetComplianceSummary(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "dashboard aggregation failed", "error", err)
		return nil, err
	}
	return &data, nil
}
