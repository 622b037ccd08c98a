package monitor

import (
	"context"
	"strconv"
	"strings"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// NetworkWatcher 对比连接表，产生 connected / disconnected；监听套接字被忽略
type NetworkWatcher struct {
	surface  ConnectionSurface
	prev     map[string]Connection
	baseline bool
}

func NewNetworkWatcher(surface ConnectionSurface) *NetworkWatcher {
	return &NetworkWatcher{surface: surface}
}

func (w *NetworkWatcher) Source() event.Source { return event.SourceNetwork }

func (w *NetworkWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	conns, err := w.surface.Connections(ctx)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	cur := make(map[string]Connection, len(conns))
	for _, c := range conns {
		if isListening(c) {
			continue
		}
		cur[connKey(c)] = c
	}

	prev := w.prev
	w.prev = cur
	if !w.baseline {
		w.baseline = true
		return nil, 0, nil
	}

	// 连接的键已经包含了四元组和 pid，状态变化不单独上报
	added, removed, _ := diff(prev, cur, func(a, b Connection) bool { return true })
	b := newBudget(w.Source(), maxEvents, now())
	for _, k := range added {
		b.add(event.ActionConnected, connPayload(cur[k]))
	}
	for _, k := range removed {
		b.add(event.ActionDisconnected, connPayload(prev[k]))
	}
	events, dropped := b.result()
	return events, dropped, nil
}

func isListening(c Connection) bool {
	if strings.EqualFold(c.Status, "LISTEN") {
		return true
	}
	return c.Remote == "" || strings.HasSuffix(c.Remote, ":0")
}

func connKey(c Connection) string {
	return c.Protocol + "|" + c.Local + "|" + c.Remote + "|" + strconv.Itoa(int(c.PID))
}

func connPayload(c Connection) map[string]string {
	p := map[string]string{
		event.KeyProtocol:   c.Protocol,
		event.KeyLocalAddr:  c.Local,
		event.KeyRemoteAddr: c.Remote,
		event.KeyPID:        strconv.Itoa(int(c.PID)),
	}
	if c.Status != "" {
		p[event.KeyState] = c.Status
	}
	return p
}
