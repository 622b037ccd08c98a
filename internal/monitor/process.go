package monitor

import (
	"context"
	"strconv"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// ProcessWatcher 对比进程表。键是 pid + 创建时间，pid 复用不会被误判为同一个进程
type ProcessWatcher struct {
	surface  ProcessSurface
	prev     map[string]ProcessInfo
	baseline bool
}

func NewProcessWatcher(surface ProcessSurface) *ProcessWatcher {
	return &ProcessWatcher{surface: surface}
}

func (w *ProcessWatcher) Source() event.Source { return event.SourceProcess }

func (w *ProcessWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	procs, err := w.surface.Processes(ctx)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	cur := make(map[string]ProcessInfo, len(procs))
	for _, p := range procs {
		cur[strconv.Itoa(int(p.PID))+"@"+strconv.FormatInt(p.CreateTime, 10)] = p
	}

	prev := w.prev
	w.prev = cur
	if !w.baseline {
		w.baseline = true
		return nil, 0, nil
	}

	added, removed, _ := diff(prev, cur, func(a, b ProcessInfo) bool { return true })
	b := newBudget(w.Source(), maxEvents, now())
	for _, k := range added {
		b.add(event.ActionStarted, procPayload(cur[k]))
	}
	for _, k := range removed {
		b.add(event.ActionStopped, procPayload(prev[k]))
	}
	events, dropped := b.result()
	return events, dropped, nil
}

func procPayload(p ProcessInfo) map[string]string {
	payload := map[string]string{
		event.KeyPID:  strconv.Itoa(int(p.PID)),
		event.KeyPPID: strconv.Itoa(int(p.PPID)),
	}
	set := func(k, v string) {
		if v != "" {
			payload[k] = v
		}
	}
	set(event.KeyName, p.Name)
	set(event.KeyExe, p.Exe)
	set(event.KeyCmdline, p.Cmdline)
	set(event.KeyUser, p.User)
	return payload
}
