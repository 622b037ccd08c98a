package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/monitor"
	"github.com/Hara602/xdrSensor/internal/sink"
	"github.com/Hara602/xdrSensor/pkg/event"
)

const runValue = `HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Run\Updater`

// 由测试打开的开关控制快照内容
type switchRegistry struct{ on atomic.Bool }

func (r *switchRegistry) Values(context.Context, []string) (map[string]string, error) {
	if !r.on.Load() {
		return map[string]string{}, nil
	}
	return map[string]string{runValue: `"C:\Users\bob\AppData\Roaming\upd.exe" /silent`}, nil
}

type switchProcesses struct{ on atomic.Bool }

func (p *switchProcesses) Processes(context.Context) ([]monitor.ProcessInfo, error) {
	procs := []monitor.ProcessInfo{{PID: 1, Name: "init", Exe: "/sbin/init", CreateTime: 1}}
	if p.on.Load() {
		procs = append(procs, monitor.ProcessInfo{
			PID: 4242, PPID: 1, CreateTime: 1700000000000, Name: "upd.exe",
			Exe: `C:\Users\bob\AppData\Roaming\upd.exe`, Cmdline: "upd.exe /silent", User: "bob",
		})
	}
	return procs, nil
}

type unsupportedRegistry struct{ calls atomic.Int32 }

func (r *unsupportedRegistry) Values(context.Context, []string) (map[string]string, error) {
	r.calls.Add(1)
	return nil, monitor.ErrUnsupported
}

type memoryBackend struct {
	mu      sync.Mutex
	records []sink.Record
	closed  bool
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Ingest(_ context.Context, batch []sink.Record) error {
	b.mu.Lock()
	b.records = append(b.records, batch...)
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) events(src event.Source) []*event.NormalizedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.NormalizedEvent
	for _, r := range b.records {
		if r.Kind == sink.KindEvent && r.Event.Source == src {
			out = append(out, r.Event)
		}
	}
	return out
}

func (b *memoryBackend) alerts() []*event.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Alert
	for _, r := range b.records {
		if r.Kind == sink.KindAlert {
			out = append(out, r.Alert)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.MonitorConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(`
paths: ["/nonexistent/xdr-test"]
registry:
  autorun_paths: ['HKCU\Software\Microsoft\Windows\CurrentVersion\Run']
  suspicious_patterns: ["/silent"]
  settings: {check_interval_ms: 5, max_events_per_collection: 100}
agent: {hostname: test-host, shutdown_grace_ms: 1000}
sources:
  filesystem: {enabled: false}
  network: {enabled: false}
  service: {enabled: false}
  metrics: {enabled: false}
sink: {backend: log, batch_size: 1, flush_interval_ms: 5}
`))
	require.NoError(t, err)
	cfg.Metrics.ListenAddr = ""
	return cfg
}

func TestPipelineCorrelatesRegistryAndProcess(t *testing.T) {
	reg := &switchRegistry{}
	procs := &switchProcesses{}
	backend := &memoryBackend{}

	e, err := NewEngine(testConfig(t), Options{
		Surfaces: &Surfaces{Registry: reg, Processes: procs},
		Backend:  backend,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	// 基线之后再打开开关
	time.Sleep(20 * time.Millisecond)
	reg.on.Store(true)
	require.Eventually(t, func() bool { return len(backend.events(event.SourceRegistry)) == 1 }, 2*time.Second, 2*time.Millisecond)
	procs.on.Store(true)
	require.Eventually(t, func() bool { return len(backend.events(event.SourceProcess)) == 1 }, 2*time.Second, 2*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	regEv := backend.events(event.SourceRegistry)[0]
	assert.Equal(t, "test-host", regEv.Host)
	assert.Equal(t, event.ActionCreated, regEv.Action)
	assert.Equal(t, "c:/users/bob/appdata/roaming/upd.exe", regEv.Correlation)

	byRule := map[string]*event.Alert{}
	for _, a := range backend.alerts() {
		byRule[a.Rule] = a
	}
	seq, ok := byRule["autorun-persistence"]
	require.True(t, ok, "sequence alert released on shutdown")
	assert.Equal(t, event.SeverityCritical, seq.Severity)
	assert.Len(t, seq.Events, 2)

	_, ok = byRule["suspicious-pattern"]
	assert.True(t, ok)

	backend.mu.Lock()
	assert.True(t, backend.closed)
	backend.mu.Unlock()
}

func TestUnsupportedRegistryIsSkipped(t *testing.T) {
	reg := &unsupportedRegistry{}
	e, err := NewEngine(testConfig(t), Options{
		Surfaces: &Surfaces{Registry: reg, Processes: &switchProcesses{}},
		Backend:  &memoryBackend{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, int32(1), reg.calls.Load(), "only the startup support check touches the registry")
}

func TestNewEngineRejectsBadPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.SuspiciousPatterns = []string{"re:("}
	_, err := NewEngine(cfg, Options{Surfaces: &Surfaces{}, Backend: &memoryBackend{}}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.SinkConfig{Backend: "log"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "log", b.Name())

	_, err = NewBackend(config.SinkConfig{Backend: "kafka"}, zaptest.NewLogger(t))
	assert.True(t, config.IsConfigError(err))
}

func TestReloadSwapsPatterns(t *testing.T) {
	e, err := NewEngine(testConfig(t), Options{Surfaces: &Surfaces{}, Backend: &memoryBackend{}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	next := testConfig(t)
	next.Registry.SuspiciousPatterns = []string{"mshta", "rundll32"}
	e.reload(next)

	bad := testConfig(t)
	bad.Registry.SuspiciousPatterns = []string{"re:["}
	e.reload(bad)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))
}
