package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func kinds(evs []event.RawEvent) []event.Action {
	out := make([]event.Action, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestFileWatcherBaselineThenDiff(t *testing.T) {
	surface := &fakeFiles{snaps: []map[string]FileInfo{
		{"/d/a.exe": {Size: 1, ModTime: t0}, "/d/b.exe": {Size: 2, ModTime: t0}},
		{"/d/a.exe": {Size: 9, ModTime: t0.Add(time.Second)}, "/d/c.exe": {Size: 3, ModTime: t0}},
	}}
	w := NewFileWatcher(surface, Scope{}, 0)
	assert.Equal(t, event.SourceFilesystem, w.Source())

	evs, dropped, err := w.Collect(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, evs, "first cycle is a baseline")
	assert.Zero(t, dropped)

	evs, dropped, err = w.Collect(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Equal(t, []event.Action{event.ActionCreated, event.ActionModified, event.ActionDeleted}, kinds(evs))
	assert.Equal(t, "/d/c.exe", evs[0].Payload[event.KeyPath])
	assert.Equal(t, "3", evs[0].Payload[event.KeySize])
	assert.Equal(t, "/d/a.exe", evs[1].Payload[event.KeyPath])
	assert.Equal(t, "/d/b.exe", evs[2].Payload[event.KeyPath])
	for _, e := range evs {
		assert.Equal(t, event.SourceFilesystem, e.Source)
	}
}

func TestFileWatcherCapCountsDropsAndAdvances(t *testing.T) {
	next := make(map[string]FileInfo)
	for i := 0; i < 150; i++ {
		next[fmt.Sprintf("/d/%03d.exe", i)] = FileInfo{Size: int64(i)}
	}
	surface := &fakeFiles{snaps: []map[string]FileInfo{{}, next}}
	w := NewFileWatcher(surface, Scope{}, 0)

	_, _, _ = w.Collect(context.Background(), 100)
	evs, dropped, err := w.Collect(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, evs, 100)
	assert.Equal(t, 50, dropped)

	// 快照已经推进，不会重放
	evs, dropped, err = w.Collect(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Zero(t, dropped)
}

func TestFileWatcherErrorIsWatcherError(t *testing.T) {
	boom := errors.New("permission denied")
	w := NewFileWatcher(&fakeFiles{err: boom}, Scope{}, 0)
	_, _, err := w.Collect(context.Background(), 10)

	var we *WatcherError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, event.SourceFilesystem, we.Source)
	assert.ErrorIs(t, err, boom)
}

func TestFileWatcherReconfigure(t *testing.T) {
	cfg, err := config.ParseWith([]byte("paths: [/srv/a]\nsettings: {recursive: false, extensions: [.ps1], hash_max_bytes: 7}\n"), config.MapExpander(nil))
	require.NoError(t, err)

	surface := &fakeFiles{snaps: []map[string]FileInfo{{}}}
	w := NewFileWatcher(surface, Scope{}, 0)
	w.Reconfigure(cfg)
	assert.Equal(t, int64(7), w.hashMax)
	assert.Equal(t, Scope{Roots: []string{"/srv/a"}, Extensions: []string{".ps1"}, Recursive: false}, surface.scope)
}

func TestRegistryWatcher(t *testing.T) {
	run := `HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Run`
	surface := &fakeRegistry{snaps: []map[string]string{
		{run + `\OneDrive`: `"C:\od.exe" /background`, run + `\Old`: `old.exe`},
		{run + `\OneDrive`: `"C:\od.exe"`, run + `\Updater`: `%APPDATA%\upd.exe`},
	}}
	w := NewRegistryWatcher(surface, []string{run})

	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, []string{run}, surface.keys)

	evs, _, err = w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []event.Action{event.ActionCreated, event.ActionModified, event.ActionDeleted}, kinds(evs))

	assert.Equal(t, map[string]string{
		event.KeyKeyPath:   run,
		event.KeyValueName: "Updater",
		event.KeyNewData:   `%APPDATA%\upd.exe`,
	}, evs[0].Payload)
	assert.Equal(t, `"C:\od.exe" /background`, evs[1].Payload[event.KeyOldData])
	assert.Equal(t, `"C:\od.exe"`, evs[1].Payload[event.KeyNewData])
	assert.Equal(t, "Old", evs[2].Payload[event.KeyValueName])
	assert.Equal(t, "old.exe", evs[2].Payload[event.KeyOldData])
}

func TestSplitRegistryKey(t *testing.T) {
	hive, sub, ok := SplitRegistryKey(`HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Run\`)
	require.True(t, ok)
	assert.Equal(t, "HKEY_LOCAL_MACHINE", hive)
	assert.Equal(t, `SOFTWARE\Microsoft\Windows\CurrentVersion\Run`, sub)

	_, _, ok = SplitRegistryKey(`HKEY_NOPE\x`)
	assert.False(t, ok)

	_, err := UnsupportedRegistry{}.Values(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNetworkWatcherIgnoresListeners(t *testing.T) {
	est := Connection{Protocol: "tcp", Local: "10.0.0.2:51000", Remote: "203.0.113.9:443", Status: "ESTABLISHED", PID: 10}
	listen := Connection{Protocol: "tcp", Local: "0.0.0.0:22", Status: "LISTEN", PID: 1}
	surface := &fakeConns{snaps: [][]Connection{
		{listen},
		{listen, est, {Protocol: "udp", Local: "0.0.0.0:5353"}},
		{listen},
	}}
	w := NewNetworkWatcher(surface)

	evs, _, _ := w.Collect(context.Background(), 10)
	assert.Empty(t, evs)

	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.ActionConnected, evs[0].Kind)
	assert.Equal(t, "203.0.113.9:443", evs[0].Payload[event.KeyRemoteAddr])
	assert.Equal(t, "10", evs[0].Payload[event.KeyPID])

	evs, _, _ = w.Collect(context.Background(), 10)
	require.Len(t, evs, 1)
	assert.Equal(t, event.ActionDisconnected, evs[0].Kind)
}

func TestProcessWatcherPIDReuse(t *testing.T) {
	surface := &fakeProcs{snaps: [][]ProcessInfo{
		{{PID: 100, CreateTime: 1, Name: "old"}},
		{{PID: 100, CreateTime: 2, Name: "powershell.exe", Exe: `C:\ps.exe`, Cmdline: "powershell.exe -enc AAA", User: "bob", PPID: 4}},
	}}
	w := NewProcessWatcher(surface)
	_, _, _ = w.Collect(context.Background(), 10)

	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []event.Action{event.ActionStarted, event.ActionStopped}, kinds(evs))
	assert.Equal(t, "powershell.exe -enc AAA", evs[0].Payload[event.KeyCmdline])
	assert.Equal(t, "4", evs[0].Payload[event.KeyPPID])
	assert.Equal(t, "old", evs[1].Payload[event.KeyName])
	_, hasExe := evs[1].Payload[event.KeyExe]
	assert.False(t, hasExe)
}

func TestServiceWatcherTransitions(t *testing.T) {
	surface := &fakeServices{snaps: [][]ServiceInfo{
		{{Name: "a", State: "running"}, {Name: "b", State: "stopped"}, {Name: "c", State: "stopped"}, {Name: "gone", State: "running"}},
		{{Name: "a", State: "stopped"}, {Name: "b", State: "RUNNING"}, {Name: "c", State: "paused"}, {Name: "new", State: "running"}},
	}}
	w := NewServiceWatcher(surface)
	_, _, _ = w.Collect(context.Background(), 10)

	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	got := map[string]event.Action{}
	for _, e := range evs {
		got[e.Payload[event.KeyName]] = e.Kind
	}
	assert.Equal(t, map[string]event.Action{
		"new":  event.ActionCreated,
		"a":    event.ActionStopped,
		"b":    event.ActionStarted,
		"c":    event.ActionModified,
		"gone": event.ActionDeleted,
	}, got)
}

func TestMetricsWatcherMinDelta(t *testing.T) {
	surface := &fakeMetrics{snaps: []map[string]float64{
		{"cpu.percent": 10, "mem.used_percent": 50},
		{"cpu.percent": 13, "mem.used_percent": 70, "disk.used_percent": 40},
		{"cpu.percent": 16, "mem.used_percent": 71, "disk.used_percent": 90},
	}}
	w := NewMetricsWatcher(surface, 5)

	evs, _, _ := w.Collect(context.Background(), 10)
	assert.Empty(t, evs)

	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "mem.used_percent", evs[0].Payload[event.KeyCounter])
	assert.Equal(t, "70.00", evs[0].Payload[event.KeyValue])
	assert.Equal(t, "50.00", evs[0].Payload[event.KeyPrevious])

	// cpu 相对上次上报的 10 累计变化了 6
	evs, _, err = w.Collect(context.Background(), 10)
	require.NoError(t, err)
	names := []string{}
	for _, e := range evs {
		names = append(names, e.Payload[event.KeyCounter])
	}
	assert.Equal(t, []string{"cpu.percent", "disk.used_percent"}, names)
}

func TestMetricsWatcherReconfigure(t *testing.T) {
	cfg, err := config.Parse([]byte("paths: [/tmp]\nmetrics: {min_delta: 1.5, disk_path: /data}\n"))
	require.NoError(t, err)
	surface := &fakeMetrics{snaps: []map[string]float64{{}}}
	w := NewMetricsWatcher(surface, 5)
	w.Reconfigure(cfg)
	assert.Equal(t, 1.5, w.minDelta)
	assert.Equal(t, "/data", surface.diskPath)
}

func TestRegistryWatcherRekeyBaselinesNewKeys(t *testing.T) {
	run := `HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Run`
	ifeo := `HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Image File Execution Options`
	surface := &fakeRegistry{snaps: []map[string]string{
		{run + `\OneDrive`: `od.exe`},
		{run + `\OneDrive`: `od.exe`, run + `\Updater`: `upd.exe`, ifeo + `\sethc.exe\Debugger`: `cmd.exe`},
		{run + `\OneDrive`: `od.exe`, ifeo + `\sethc.exe\Debugger`: `cmd.exe`, ifeo + `\utilman.exe\Debugger`: `cmd.exe`},
		{ifeo + `\sethc.exe\Debugger`: `cmd.exe`, ifeo + `\utilman.exe\Debugger`: `cmd.exe`},
	}}
	w := NewRegistryWatcher(surface, []string{run})
	_, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)

	cfg, err := config.ParseWith([]byte("paths: [/srv]\nregistry:\n  autorun_paths: ['HKCU\\Software\\Microsoft\\Windows\\CurrentVersion\\Run']\n  sensitive_keys: ['"+ifeo+"']\n"), config.MapExpander(nil))
	require.NoError(t, err)
	w.Reconfigure(cfg)
	assert.Len(t, w.keys, 2)

	// 新键下已有的子键值并入基线，原有键照常 diff
	evs, _, err := w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Updater", evs[0].Payload[event.KeyValueName])
	assert.Len(t, surface.keys, 2)

	evs, _, err = w.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []event.Action{event.ActionCreated, event.ActionDeleted}, kinds(evs))
	assert.Equal(t, ifeo+`\utilman.exe`, evs[0].Payload[event.KeyKeyPath])
	assert.Equal(t, "Debugger", evs[0].Payload[event.KeyValueName])

	// 移出监控的键不产生 deleted
	cfg, err = config.ParseWith([]byte("paths: [/srv]\nregistry:\n  autorun_paths: []\n  sensitive_keys: ['"+ifeo+"']\n"), config.MapExpander(nil))
	require.NoError(t, err)
	w.Reconfigure(cfg)
	evs, _, err = w.Collect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
