package monitor

import (
	"context"
	"strings"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// ServiceWatcher 对比服务表
//   - 新服务 created，消失 deleted
//   - 其它状态进入 running 为 started，running 离开为 stopped
//   - 其余状态变化为 modified
type ServiceWatcher struct {
	surface  ServiceSurface
	prev     map[string]ServiceInfo
	baseline bool
}

func NewServiceWatcher(surface ServiceSurface) *ServiceWatcher {
	return &ServiceWatcher{surface: surface}
}

func (w *ServiceWatcher) Source() event.Source { return event.SourceService }

func (w *ServiceWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	svcs, err := w.surface.Services(ctx)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	cur := make(map[string]ServiceInfo, len(svcs))
	for _, s := range svcs {
		s.State = strings.ToLower(s.State)
		cur[s.Name] = s
	}

	prev := w.prev
	w.prev = cur
	if !w.baseline {
		w.baseline = true
		return nil, 0, nil
	}

	added, removed, changed := diff(prev, cur, func(a, b ServiceInfo) bool { return a.State == b.State })
	b := newBudget(w.Source(), maxEvents, now())
	for _, k := range added {
		b.add(event.ActionCreated, svcPayload(cur[k], ""))
	}
	for _, k := range changed {
		old, s := prev[k], cur[k]
		action := event.ActionModified
		switch {
		case s.State == ServiceRunning:
			action = event.ActionStarted
		case old.State == ServiceRunning:
			action = event.ActionStopped
		}
		b.add(action, svcPayload(s, old.State))
	}
	for _, k := range removed {
		b.add(event.ActionDeleted, svcPayload(prev[k], ""))
	}
	events, dropped := b.result()
	return events, dropped, nil
}

func svcPayload(s ServiceInfo, oldState string) map[string]string {
	p := map[string]string{
		event.KeyName:  s.Name,
		event.KeyState: s.State,
	}
	if s.DisplayName != "" {
		p[event.KeyDisplayName] = s.DisplayName
	}
	if oldState != "" {
		p[event.KeyOldState] = oldState
	}
	return p
}
