package correlator

import (
	"sort"
	"time"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// 合并后的告警最多附带的事件数
const maxAlertEvents = 10

type pending struct {
	alert  *event.Alert
	opened time.Time // 墙上时间
}

// suppressor 把同一 rule+subject 在窗口内的告警合并为一条，窗口关闭时才释放
type suppressor struct {
	window time.Duration
	now    func() time.Time
	open   map[string]*pending
}

func newSuppressor(window time.Duration, now func() time.Time) *suppressor {
	return &suppressor{window: window, now: now, open: make(map[string]*pending)}
}

func suppressKey(a *event.Alert) string {
	return a.Rule + "\x00" + a.Subject
}

// offer 返回需要立即释放的告警；coalesced 表示 a 被合并进已有告警
func (s *suppressor) offer(a *event.Alert) (released []*event.Alert, coalesced bool) {
	if s.window <= 0 {
		return []*event.Alert{a}, false
	}
	key := suppressKey(a)
	if p, ok := s.open[key]; ok {
		if a.LastSeen.Sub(p.alert.FirstSeen) < s.window {
			merge(p.alert, a)
			return nil, true
		}
		released = append(released, p.alert)
	}
	s.open[key] = &pending{alert: a, opened: s.now()}
	return released, false
}

// expire 释放按事件时间（水位线）或墙上时间已经关闭的窗口
func (s *suppressor) expire(watermark time.Time) []*event.Alert {
	wall := s.now()
	var out []*event.Alert
	for key, p := range s.open {
		if watermark.Sub(p.alert.FirstSeen) >= s.window || wall.Sub(p.opened) >= s.window {
			out = append(out, p.alert)
			delete(s.open, key)
		}
	}
	sortAlerts(out)
	return out
}

// drain 释放全部未关闭的告警
func (s *suppressor) drain() []*event.Alert {
	out := make([]*event.Alert, 0, len(s.open))
	for key, p := range s.open {
		out = append(out, p.alert)
		delete(s.open, key)
	}
	sortAlerts(out)
	return out
}

func merge(dst, src *event.Alert) {
	dst.Occurrences += src.Occurrences
	if src.LastSeen.After(dst.LastSeen) {
		dst.LastSeen = src.LastSeen
	}
	if src.FirstSeen.Before(dst.FirstSeen) {
		dst.FirstSeen = src.FirstSeen
	}
	if src.Severity > dst.Severity {
		dst.Severity = src.Severity
	}
	for _, p := range src.Patterns {
		if !contains(dst.Patterns, p) {
			dst.Patterns = append(dst.Patterns, p)
		}
	}
	for _, ev := range src.Events {
		if len(dst.Events) >= maxAlertEvents {
			break
		}
		dst.Events = append(dst.Events, ev)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortAlerts(a []*event.Alert) {
	sort.Slice(a, func(i, j int) bool {
		if !a[i].FirstSeen.Equal(a[j].FirstSeen) {
			return a[i].FirstSeen.Before(a[j].FirstSeen)
		}
		return suppressKey(a[i]) < suppressKey(a[j])
	})
}
