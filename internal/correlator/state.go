package correlator

import (
	"container/list"
	"time"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// 每个关联键最多保留的历史事件数
const maxHistoryPerKey = 32

type entry struct {
	key    string
	events []*event.NormalizedEvent // 按事件时间排序
	last   time.Time
}

// state 是一个 worker 独占的窗口化关联表：map 索引 + 按最近访问排序的链表。
// 过期（早于水位线 - horizon）和超出 maxKeys 的条目从链表头部淘汰。
type state struct {
	horizon   time.Duration
	maxKeys   int
	index     map[string]*list.Element
	ages      *list.List
	watermark time.Time
	onResize  func(delta int)
}

func newState(horizon time.Duration, maxKeys int, onResize func(int)) *state {
	if onResize == nil {
		onResize = func(int) {}
	}
	return &state{
		horizon:  horizon,
		maxKeys:  maxKeys,
		index:    make(map[string]*list.Element),
		ages:     list.New(),
		onResize: onResize,
	}
}

func (s *state) size() int { return len(s.index) }

// advance 推进事件时间水位线并淘汰过期条目
func (s *state) advance(ts time.Time) {
	if ts.After(s.watermark) {
		s.watermark = ts
	}
	cutoff := s.watermark.Add(-s.horizon)
	for front := s.ages.Front(); front != nil; front = s.ages.Front() {
		if !front.Value.(*entry).last.Before(cutoff) {
			break
		}
		s.remove(front)
	}
}

// history 返回窗口内的历史（不含当前事件）
func (s *state) history(key string) []*event.NormalizedEvent {
	el, ok := s.index[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	cutoff := s.watermark.Add(-s.horizon)
	i := 0
	for i < len(e.events) && e.events[i].Timestamp.Before(cutoff) {
		i++
	}
	e.events = e.events[i:]
	return e.events
}

func (s *state) add(key string, ev *event.NormalizedEvent) {
	el, ok := s.index[key]
	if !ok {
		for s.maxKeys > 0 && len(s.index) >= s.maxKeys {
			s.remove(s.ages.Front())
		}
		el = s.ages.PushBack(&entry{key: key})
		s.index[key] = el
		s.onResize(1)
	} else {
		s.ages.MoveToBack(el)
	}

	e := el.Value.(*entry)
	// 插入并保持时间顺序；绝大多数情况下直接追加
	i := len(e.events)
	for i > 0 && e.events[i-1].Timestamp.After(ev.Timestamp) {
		i--
	}
	e.events = append(e.events, nil)
	copy(e.events[i+1:], e.events[i:])
	e.events[i] = ev
	if len(e.events) > maxHistoryPerKey {
		e.events = e.events[len(e.events)-maxHistoryPerKey:]
	}
	if ev.Timestamp.After(e.last) {
		e.last = ev.Timestamp
	}
}

func (s *state) remove(el *list.Element) {
	e := s.ages.Remove(el).(*entry)
	delete(s.index, e.key)
	s.onResize(-1)
}

// reset 释放全部条目（worker 退出时）
func (s *state) reset() {
	if n := len(s.index); n > 0 {
		s.onResize(-n)
	}
	s.index = make(map[string]*list.Element)
	s.ages.Init()
}
