package correlator

import (
	"fmt"
	"time"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// Step 序列中的一步：来源 + 允许的动作
type Step struct {
	Source  event.Source
	Actions []event.Action
}

func (s Step) matches(ev *event.NormalizedEvent) bool {
	if ev.Source != s.Source {
		return false
	}
	for _, a := range s.Actions {
		if a == ev.Action {
			return true
		}
	}
	return false
}

// SequenceRule 同一关联键上按顺序出现全部步骤，且首尾间隔不超过 Window
type SequenceRule struct {
	Name     string
	Severity event.Severity
	Window   time.Duration
	Steps    []Step
}

// RulesFromConfig 把配置转换成规则；规则未设置窗口时使用全局窗口
func RulesFromConfig(cc config.CorrelationConfig) ([]SequenceRule, error) {
	rules := make([]SequenceRule, 0, len(cc.Rules))
	for _, rc := range cc.Rules {
		sev, err := event.ParseSeverity(rc.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		r := SequenceRule{Name: rc.Name, Severity: sev, Window: cc.Window()}
		if rc.WindowMS > 0 {
			r.Window = time.Duration(rc.WindowMS) * time.Millisecond
		}
		for _, sc := range rc.Steps {
			src, err := event.ParseSource(sc.Source)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
			}
			st := Step{Source: src}
			for _, a := range sc.Actions {
				act, err := event.ParseAction(a)
				if err != nil {
					return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
				}
				st.Actions = append(st.Actions, act)
			}
			r.Steps = append(r.Steps, st)
		}
		if len(r.Steps) < 2 {
			return nil, fmt.Errorf("rule %s: a sequence needs at least 2 steps", rc.Name)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// relevant 事件是否可能参与任意规则的任意一步
func relevant(rules []SequenceRule, ev *event.NormalizedEvent) bool {
	for _, r := range rules {
		for _, s := range r.Steps {
			if s.matches(ev) {
				return true
			}
		}
	}
	return false
}

// complete 以 last 为最后一步，在 history（按到达顺序）里倒序寻找前面的步骤。
// 每一步取时间上最近的候选，这样首步的时间最大，最容易落在窗口内。
func (r SequenceRule) complete(history []*event.NormalizedEvent, last *event.NormalizedEvent) ([]*event.NormalizedEvent, bool) {
	n := len(r.Steps)
	if !r.Steps[n-1].matches(last) {
		return nil, false
	}
	chain := make([]*event.NormalizedEvent, n)
	chain[n-1] = last
	bound := last.Timestamp
	earliest := last.Timestamp.Add(-r.Window)

	step := n - 2
	for i := len(history) - 1; i >= 0 && step >= 0; i-- {
		h := history[i]
		if h == last || h.Timestamp.After(bound) || h.Timestamp.Before(earliest) {
			continue
		}
		if r.Steps[step].matches(h) {
			chain[step] = h
			bound = h.Timestamp
			step--
		}
	}
	if step >= 0 {
		return nil, false
	}
	return chain, true
}
