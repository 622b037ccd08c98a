package sink

import (
	"container/list"
	"sync"

	"github.com/Hara602/xdrSensor/pkg/event"
)

type item struct {
	rec   Record
	index *list.Element // 在 bySeverity 或 alerts 里的位置
}

// queue 是有界的多生产者单消费者队列。
// 满了以后先淘汰严重级别最低的事件里最早的一条；只剩告警时新来的事件被丢弃，
// 新来的告警淘汰最早的告警。
type queue struct {
	mu    sync.Mutex
	depth int

	all        *list.List // *item，入队顺序
	bySeverity [event.SeverityCritical + 1]*list.List
	alerts     *list.List

	// 长度达到 batch 时通知消费者
	batch int
	ready chan struct{}
}

func newQueue(depth, batch int) *queue {
	q := &queue{
		depth:  depth,
		all:    list.New(),
		alerts: list.New(),
		batch:  batch,
		ready:  make(chan struct{}, 1),
	}
	for i := range q.bySeverity {
		q.bySeverity[i] = list.New()
	}
	return q
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.all.Len()
}

// push 入队；队列满时返回被丢弃的记录（可能就是 r 本身）
func (q *queue) push(r Record) (dropped *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.all.Len() >= q.depth {
		victim, ok := q.evictFor(r)
		if !ok {
			return &r
		}
		dropped = &victim
	}

	it := &item{rec: r}
	el := q.all.PushBack(it)
	if r.Kind == KindAlert {
		it.index = q.alerts.PushBack(el)
	} else {
		it.index = q.bySeverity[clampSeverity(r.Severity())].PushBack(el)
	}

	if q.all.Len() >= q.batch {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return dropped
}

// evictFor 为 r 腾出一个位置；返回 false 表示应该丢弃 r
func (q *queue) evictFor(r Record) (Record, bool) {
	for sev, l := range q.bySeverity {
		if l.Len() == 0 {
			continue
		}
		if r.Kind == KindEvent && clampSeverity(r.Severity()) < sev {
			return Record{}, false
		}
		return q.unlink(l.Front().Value.(*list.Element)), true
	}
	// 只剩告警
	if r.Kind == KindEvent || q.alerts.Len() == 0 {
		return Record{}, false
	}
	return q.unlink(q.alerts.Front().Value.(*list.Element)), true
}

func (q *queue) unlink(el *list.Element) Record {
	it := q.all.Remove(el).(*item)
	if it.rec.Kind == KindAlert {
		q.alerts.Remove(it.index)
	} else {
		q.bySeverity[clampSeverity(it.rec.Severity())].Remove(it.index)
	}
	return it.rec
}

// pop 按入队顺序取出最多 max 条
func (q *queue) pop(max int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.all.Len()
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.unlink(q.all.Front()))
	}
	return out
}

func clampSeverity(s event.Severity) int {
	switch {
	case s < event.SeverityInfo:
		return int(event.SeverityInfo)
	case s > event.SeverityCritical:
		return int(event.SeverityCritical)
	}
	return int(s)
}
