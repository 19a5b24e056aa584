// Package ruleengine 基于 expr 的布尔规则引擎，用于配置化的事件匹配。
package ruleengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/wyfcoding/agrimonitor/xerrors"
)

// Result 规则执行结果
type Result struct {
	RuleID   string         `json:"rule_id"`
	Passed   bool           `json:"passed"`
	Metadata map[string]any `json:"metadata"`
}

// Rule 规则定义
type Rule struct {
	ID         string         `json:"id"`
	Expression string         `json:"expression"` // 结果必须为 bool
	Metadata   map[string]any `json:"metadata"`
	Priority   int            `json:"priority"` // 数值越大越先执行
}

type compiled struct {
	rule    Rule
	program *vm.Program
}

// Engine 核心引擎，可并发使用。
type Engine struct {
	mu    sync.RWMutex
	rules map[string]compiled
}

func NewEngine() *Engine {
	return &Engine{rules: make(map[string]compiled)}
}

// AddRule 编译并添加（或替换）规则。编译时不绑定 Env，运行时接受任意 map 事实。
func (e *Engine) AddRule(r Rule) error {
	if r.ID == "" {
		return xerrors.InvalidArg("rule id is required")
	}
	program, err := expr.Compile(r.Expression, expr.AsBool())
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInvalidArg, fmt.Sprintf("compile rule [%s]", r.ID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = compiled{rule: r, program: program}
	return nil
}

// Len 返回规则数量。
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Execute 针对单条规则执行
func (e *Engine) Execute(_ context.Context, ruleID string, facts map[string]any) (*Result, error) {
	e.mu.RLock()
	c, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return nil, xerrors.NotFound(fmt.Sprintf("rule [%s] not found", ruleID))
	}
	return run(c, facts)
}

// ExecuteAll 按优先级执行全部规则，返回命中的结果。单条规则执行失败不影响其他规则，
// 失败会汇总在返回的 error 中。
func (e *Engine) ExecuteAll(_ context.Context, facts map[string]any) ([]*Result, error) {
	e.mu.RLock()
	list := make([]compiled, 0, len(e.rules))
	for _, c := range e.rules {
		list = append(list, c)
	}
	e.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].rule.Priority != list[j].rule.Priority {
			return list[i].rule.Priority > list[j].rule.Priority
		}
		return list[i].rule.ID < list[j].rule.ID
	})

	var (
		results  []*Result
		firstErr error
	)
	for _, c := range list {
		res, err := run(c, facts)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Passed {
			results = append(results, res)
		}
	}
	return results, firstErr
}

// Matches 报告是否有任一规则命中。
func (e *Engine) Matches(ctx context.Context, facts map[string]any) (bool, error) {
	results, err := e.ExecuteAll(ctx, facts)
	return len(results) > 0, err
}

func run(c compiled, facts map[string]any) (*Result, error) {
	output, err := expr.Run(c.program, facts)
	if err != nil {
		return nil, fmt.Errorf("execution error on rule [%s]: %w", c.rule.ID, err)
	}
	passed, _ := output.(bool)
	return &Result{RuleID: c.rule.ID, Passed: passed, Metadata: c.rule.Metadata}, nil
}
