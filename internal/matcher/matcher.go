// Package matcher 把可疑字符串编译成规则，并对事件文本做不区分大小写的匹配。
// Matcher 编译后只读，可以被多个关联 worker 并发使用。
package matcher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// 以该前缀开头的模式按正则处理
const RegexPrefix = "re:"

// MatcherError 模式编译失败
type MatcherError struct {
	Index   int
	Pattern string
	Err     error
}

func (e *MatcherError) Error() string {
	return fmt.Sprintf("pattern %d %q: %v", e.Index, e.Pattern, e.Err)
}

func (e *MatcherError) Unwrap() error { return e.Err }

// Rule 是一条编译好的可疑模式
type Rule struct {
	Index   int
	Pattern string

	needle string
	re     *regexp.Regexp
}

// matches 判断 lowered（已转小写的文本）是否命中
func (r *Rule) matches(lowered string) bool {
	if r.re != nil {
		return r.re.MatchString(lowered)
	}
	return strings.Contains(lowered, r.needle)
}

type Matcher struct {
	rules []*Rule
}

// Compile 按配置顺序编译全部模式；所有错误一起返回
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{rules: make([]*Rule, 0, len(patterns))}
	var errs error
	for i, p := range patterns {
		r, err := compileOne(i, p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.rules = append(m.rules, r)
	}
	if errs != nil {
		return nil, errs
	}
	return m, nil
}

// MustCompile 用于测试和内置模式
func MustCompile(patterns ...string) *Matcher {
	m, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

func compileOne(i int, p string) (*Rule, error) {
	if strings.TrimSpace(p) == "" {
		return nil, &MatcherError{Index: i, Pattern: p, Err: fmt.Errorf("empty pattern")}
	}
	r := &Rule{Index: i, Pattern: p}
	if expr, ok := strings.CutPrefix(p, RegexPrefix); ok {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, &MatcherError{Index: i, Pattern: p, Err: err}
		}
		r.re = re
		return r, nil
	}
	r.needle = strings.ToLower(p)
	return r, nil
}

// Rules 返回全部规则（配置顺序）
func (m *Matcher) Rules() []*Rule {
	return m.rules
}

// Len 规则数量
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match 返回命中的全部规则，保持配置顺序；没有命中返回 nil
func (m *Matcher) Match(text string) []*Rule {
	if m == nil || len(m.rules) == 0 || text == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	var hits []*Rule
	for _, r := range m.rules {
		if r.matches(lowered) {
			hits = append(hits, r)
		}
	}
	return hits
}

// MatchEvent 对事件的 Text 做匹配
func (m *Matcher) MatchEvent(ev *event.NormalizedEvent) []*Rule {
	return m.Match(Text(ev))
}

// Text 拼接 subject 和 payload 的值（按键排序）。字段之间用换行分隔，
// 模式不会跨字段命中。
func Text(ev *event.NormalizedEvent) string {
	if ev == nil {
		return ""
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(ev.Subject)
	for _, k := range keys {
		if v := ev.Payload[k]; v != "" {
			sb.WriteByte('\n')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// Patterns 提取命中规则的原始模式串
func Patterns(rules []*Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Pattern
	}
	return out
}
