package monitor

import (
	"sort"
	"time"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// 测试里可以替换
var now = time.Now

// diff 比较两次快照，返回新增、删除、变化的键（各自排序，保证输出稳定）
func diff[V any](prev, cur map[string]V, equal func(a, b V) bool) (added, removed, changed []string) {
	for k, v := range cur {
		old, ok := prev[k]
		switch {
		case !ok:
			added = append(added, k)
		case !equal(old, v):
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

// rebase 在范围变化后修正旧快照：新纳入范围的条目直接并入基线，
// 移出范围的条目静默删除，只有两次范围都覆盖的路径参与 diff
func rebase[V any](prev, cur map[string]V, wasIn, isIn func(string) bool) map[string]V {
	out := make(map[string]V, len(cur))
	for k, v := range prev {
		if isIn(k) {
			out[k] = v
		}
	}
	for k, v := range cur {
		if _, ok := out[k]; !ok && !wasIn(k) {
			out[k] = v
		}
	}
	return out
}

// budget 在构建事件时执行单周期上限
type budget struct {
	src     event.Source
	now     time.Time
	max     int
	events  []event.RawEvent
	dropped int
}

func newBudget(src event.Source, max int, now time.Time) *budget {
	if max < 0 {
		max = 0
	}
	return &budget{src: src, max: max, now: now}
}

// full 为 true 时调用方可以跳过构建 payload
func (b *budget) full() bool {
	return len(b.events) >= b.max
}

func (b *budget) add(kind event.Action, payload map[string]string) {
	if b.full() {
		b.dropped++
		return
	}
	b.events = append(b.events, event.RawEvent{
		Source:    b.src,
		Timestamp: b.now,
		Kind:      kind,
		Payload:   payload,
	})
}

func (b *budget) skip() {
	b.dropped++
}

func (b *budget) result() ([]event.RawEvent, int) {
	return b.events, b.dropped
}
