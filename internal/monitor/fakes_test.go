package monitor

import (
	"context"
	"sync"
)

// 以下假的系统面按调用顺序返回预设的快照

type fakeFiles struct {
	mu    sync.Mutex
	snaps []map[string]FileInfo
	err   error
	scope Scope
}

func (f *fakeFiles) Snapshot(context.Context) (map[string]FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

func (f *fakeFiles) SetScope(s Scope) { f.scope = s }

type fakeRegistry struct {
	snaps []map[string]string
	keys  []string
}

func (f *fakeRegistry) Values(_ context.Context, keys []string) (map[string]string, error) {
	f.keys = keys
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type fakeConns struct{ snaps [][]Connection }

func (f *fakeConns) Connections(context.Context) ([]Connection, error) {
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type fakeProcs struct{ snaps [][]ProcessInfo }

func (f *fakeProcs) Processes(context.Context) ([]ProcessInfo, error) {
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type fakeServices struct{ snaps [][]ServiceInfo }

func (f *fakeServices) Services(context.Context) ([]ServiceInfo, error) {
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type fakeMetrics struct {
	snaps    []map[string]float64
	diskPath string
}

func (f *fakeMetrics) Sample(context.Context) (map[string]float64, error) {
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

func (f *fakeMetrics) SetDiskPath(p string) { f.diskPath = p }
