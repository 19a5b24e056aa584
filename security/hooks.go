package security

import (
	"context"

	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// BehaviorAnalyzer 判定一次用户行为是否可疑.
type BehaviorAnalyzer interface {
	IsSuspicious(ctx context.Context, action monitoring.UserAction) (bool, error)
}

// BehaviorAnalyzerFunc 适配普通函数.
type BehaviorAnalyzerFunc func(ctx context.Context, action monitoring.UserAction) (bool, error)

func (f BehaviorAnalyzerFunc) IsSuspicious(ctx context.Context, action monitoring.UserAction) (bool, error) {
	return f(ctx, action)
}

// TransactionPatternDetector 结合用户交易历史判定新交易是否可疑. history 按时间升序，不含 tx 本身.
type TransactionPatternDetector interface {
	DetectSuspicious(ctx context.Context, tx monitoring.Transaction, history []monitoring.Transaction) (bool, error)
}

// TransactionPatternDetectorFunc 适配普通函数.
type TransactionPatternDetectorFunc func(ctx context.Context, tx monitoring.Transaction, history []monitoring.Transaction) (bool, error)

func (f TransactionPatternDetectorFunc) DetectSuspicious(ctx context.Context, tx monitoring.Transaction, history []monitoring.Transaction) (bool, error) {
	return f(ctx, tx, history)
}

// 默认检测器从不命中，由集成方替换.
type noopBehavior struct{}

func (noopBehavior) IsSuspicious(context.Context, monitoring.UserAction) (bool, error) {
	return false, nil
}

type noopTransactions struct{}

func (noopTransactions) DetectSuspicious(context.Context, monitoring.Transaction, []monitoring.Transaction) (bool, error) {
	return false, nil
}
