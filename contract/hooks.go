package contract

import (
	"context"

	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// SequenceDetector 判定资产的操作序列是否可疑. history 按时间升序，不含 op 本身.
type SequenceDetector interface {
	SuspiciousSequence(ctx context.Context, op monitoring.AssetOperation, history []monitoring.AssetOperation) (bool, error)
}

// InvestmentDetector 对照投资人历史判定投资规模是否异常.
type InvestmentDetector interface {
	UnusualInvestment(ctx context.Context, inv monitoring.Investment, history []monitoring.Investment) (bool, error)
}

// ReturnsDetector 对照资产历史收益判定本期收益是否异常.
type ReturnsDetector interface {
	UnusualReturns(ctx context.Context, ret monitoring.Returns, history []monitoring.Returns) (bool, error)
}

// SequenceDetectorFunc 适配普通函数.
type SequenceDetectorFunc func(ctx context.Context, op monitoring.AssetOperation, history []monitoring.AssetOperation) (bool, error)

func (f SequenceDetectorFunc) SuspiciousSequence(ctx context.Context, op monitoring.AssetOperation, history []monitoring.AssetOperation) (bool, error) {
	return f(ctx, op, history)
}

// InvestmentDetectorFunc 适配普通函数.
type InvestmentDetectorFunc func(ctx context.Context, inv monitoring.Investment, history []monitoring.Investment) (bool, error)

func (f InvestmentDetectorFunc) UnusualInvestment(ctx context.Context, inv monitoring.Investment, history []monitoring.Investment) (bool, error) {
	return f(ctx, inv, history)
}

// ReturnsDetectorFunc 适配普通函数.
type ReturnsDetectorFunc func(ctx context.Context, ret monitoring.Returns, history []monitoring.Returns) (bool, error)

func (f ReturnsDetectorFunc) UnusualReturns(ctx context.Context, ret monitoring.Returns, history []monitoring.Returns) (bool, error) {
	return f(ctx, ret, history)
}

type noopDetectors struct{}

func (noopDetectors) SuspiciousSequence(context.Context, monitoring.AssetOperation, []monitoring.AssetOperation) (bool, error) {
	return false, nil
}

func (noopDetectors) UnusualInvestment(context.Context, monitoring.Investment, []monitoring.Investment) (bool, error) {
	return false, nil
}

func (noopDetectors) UnusualReturns(context.Context, monitoring.Returns, []monitoring.Returns) (bool, error) {
	return false, nil
}
