package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wyfcoding/agrimonitor/config"
	"github.com/wyfcoding/agrimonitor/ruleengine"
	"github.com/wyfcoding/agrimonitor/types/monitoring"
)

// Pattern 一条恶意事件模式. 已配置的条件须全部满足才算命中：
// Fields 逐字段等值比较，Predicates 逐字段调用判定函数，Expression 交给规则引擎.
// 字段名支持点号访问 data 内部，例如 "data.method".
type Pattern struct {
	Name       string
	Fields     map[string]any
	Predicates map[string]func(value any) bool
	Expression string
}

// PatternFromConfig 把配置项转换为模式.
func PatternFromConfig(pc config.PatternConfig) Pattern {
	return Pattern{Name: pc.Name, Fields: pc.Fields, Expression: pc.Expression}
}

type patternSet struct {
	patterns []Pattern
	rules    *ruleengine.Engine
}

func newPatternSet(patterns []Pattern) (*patternSet, error) {
	ps := &patternSet{rules: ruleengine.NewEngine()}
	for _, p := range patterns {
		if err := ps.add(p); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func (ps *patternSet) add(p Pattern) error {
	if p.Expression != "" {
		if err := ps.rules.AddRule(ruleengine.Rule{ID: p.Name, Expression: p.Expression}); err != nil {
			return err
		}
	}
	ps.patterns = append(ps.patterns, p)
	return nil
}

// match 返回第一个命中的模式名.
func (ps *patternSet) match(ctx context.Context, facts map[string]any) (string, bool, error) {
	for _, p := range ps.patterns {
		ok, err := ps.matches(ctx, p, facts)
		if err != nil {
			return "", false, err
		}
		if ok {
			return p.Name, true, nil
		}
	}
	return "", false, nil
}

func (ps *patternSet) matches(ctx context.Context, p Pattern, facts map[string]any) (bool, error) {
	if len(p.Fields) == 0 && len(p.Predicates) == 0 && p.Expression == "" {
		return false, nil
	}
	for field, want := range p.Fields {
		got, ok := lookup(facts, field)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false, nil
		}
	}
	for field, pred := range p.Predicates {
		got, _ := lookup(facts, field)
		if !pred(got) {
			return false, nil
		}
	}
	if p.Expression != "" {
		res, err := ps.rules.Execute(ctx, p.Name, facts)
		if err != nil {
			return false, err
		}
		return res.Passed, nil
	}
	return true, nil
}

func lookup(facts map[string]any, path string) (any, bool) {
	var cur any = facts
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// eventFacts 把事件展开为规则可访问的 map，data 统一转换为 JSON 形态.
func eventFacts(event monitoring.BlockchainEvent) map[string]any {
	return map[string]any{
		"canisterId": event.CanisterID,
		"eventType":  event.EventType,
		"data":       normalize(event.Data),
		"timestamp":  event.Timestamp,
	}
}

func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
