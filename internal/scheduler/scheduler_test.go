package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/metrics"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// fakeWatcher 每次返回 produce(n) 的结果；block 非空时第 blockOn 次调用阻塞
type fakeWatcher struct {
	src     event.Source
	calls   atomic.Int32
	produce func(call int) ([]event.RawEvent, int, error)

	blockOn int
	block   chan struct{}

	mu       sync.Mutex
	reconfig []*config.MonitorConfig
}

func (w *fakeWatcher) Source() event.Source { return w.src }

func (w *fakeWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	n := int(w.calls.Add(1))
	if w.block != nil && n == w.blockOn {
		<-w.block
	}
	if w.produce == nil {
		return nil, 0, nil
	}
	return w.produce(n)
}

func (w *fakeWatcher) Reconfigure(cfg *config.MonitorConfig) {
	w.mu.Lock()
	w.reconfig = append(w.reconfig, cfg)
	w.mu.Unlock()
}

func rawEvents(n int) []event.RawEvent {
	out := make([]event.RawEvent, n)
	for i := range out {
		out[i] = event.RawEvent{Source: event.SourceProcess, Kind: event.ActionStarted, Payload: map[string]string{event.KeyPID: fmt.Sprint(i)}}
	}
	return out
}

func testConfig(intervalMS, maxEvents int) *config.MonitorConfig {
	cfg := config.Default()
	cfg.Registry.Settings.CheckIntervalMS = intervalMS
	cfg.Registry.Settings.MaxEventsPerCollection = maxEvents
	cfg.Agent.ShutdownGraceMS = 500
	return &cfg
}

type sink struct {
	mu     sync.Mutex
	counts []int
}

func (s *sink) handle(_ context.Context, _ event.Source, evs []event.RawEvent) {
	s.mu.Lock()
	s.counts = append(s.counts, len(evs))
	s.mu.Unlock()
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

func TestCollectTruncatesToCap(t *testing.T) {
	w := &fakeWatcher{src: event.SourceProcess, produce: func(int) ([]event.RawEvent, int, error) {
		return rawEvents(150), 0, nil
	}}
	c, events := Collect(context.Background(), w, 100)
	assert.Len(t, events, 100)
	assert.Equal(t, 100, c.Forwarded)
	assert.Equal(t, 50, c.Dropped)
	assert.Equal(t, 50, c.Truncated)
	assert.NoError(t, c.Err)
}

func TestCollectAddsWatcherDrops(t *testing.T) {
	w := &fakeWatcher{src: event.SourceProcess, produce: func(int) ([]event.RawEvent, int, error) {
		return rawEvents(100), 50, nil
	}}
	c, events := Collect(context.Background(), w, 100)
	assert.Len(t, events, 100)
	assert.Equal(t, 50, c.Dropped)
	assert.Zero(t, c.Truncated)
}

func TestCollectError(t *testing.T) {
	boom := errors.New("boom")
	w := &fakeWatcher{src: event.SourceNetwork, produce: func(int) ([]event.RawEvent, int, error) {
		return rawEvents(3), 0, boom
	}}
	c, events := Collect(context.Background(), w, 10)
	assert.ErrorIs(t, c.Err, boom)
	assert.Empty(t, events)
	assert.Equal(t, event.SourceNetwork, c.Source)
}

func TestRunForwardsAndCountsDrops(t *testing.T) {
	w := &fakeWatcher{src: event.SourceProcess, produce: func(call int) ([]event.RawEvent, int, error) {
		if call == 1 {
			return rawEvents(150), 0, nil
		}
		return nil, 0, nil
	}}
	m := metrics.New()
	out := &sink{}
	s := New(config.NewHolder(testConfig(5, 100)), out.handle, m, zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return out.total() == 100 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, 100.0, testutil.ToFloat64(m.EventsCollected.WithLabelValues("process")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("process", metrics.ReasonCap)))
}

func TestRunSplitsDropReasons(t *testing.T) {
	w := &fakeWatcher{src: event.SourceFilesystem, produce: func(call int) ([]event.RawEvent, int, error) {
		if call == 2 {
			return rawEvents(12), 30, nil
		}
		return nil, 0, nil
	}}
	m := metrics.New()
	out := &sink{}
	s := New(config.NewHolder(testConfig(5, 10)), out.handle, m, zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return out.total() == 10 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, 30.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("filesystem", metrics.ReasonWatcher)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("filesystem", metrics.ReasonCap)))
}

func TestNoCycleStartsAfterStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		w := &fakeWatcher{src: event.SourceProcess, produce: func(int) ([]event.RawEvent, int, error) {
			return rawEvents(1), 0, nil
		}}
		ctx, cancel := context.WithCancel(context.Background())
		var stoppedAt atomic.Int32
		handle := func(context.Context, event.Source, []event.RawEvent) {
			if n := w.calls.Load(); n == 3 {
				stoppedAt.Store(n)
				cancel()
				// 让 ticker 在停止后继续积攒 tick
				time.Sleep(3 * time.Millisecond)
			}
		}
		s := New(config.NewHolder(testConfig(1, 10)), handle, metrics.New(), zaptest.NewLogger(t))
		s.Add(w)
		require.NoError(t, s.Run(ctx))
		assert.Equal(t, stoppedAt.Load(), w.calls.Load(), "run %d", i)
		cancel()
	}
}

func TestOverlappingTicksAreMissed(t *testing.T) {
	w := &fakeWatcher{src: event.SourceService, blockOn: 2, block: make(chan struct{})}
	m := metrics.New()
	s := New(config.NewHolder(testConfig(5, 10)), (&sink{}).handle, m, zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MissedCycles.WithLabelValues("service")) >= 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), w.calls.Load(), "no collect overlaps the blocked one")

	close(w.block)
	require.Eventually(t, func() bool { return w.calls.Load() > 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestWatcherErrorsDoNotStopLoop(t *testing.T) {
	w := &fakeWatcher{src: event.SourceNetwork, produce: func(call int) ([]event.RawEvent, int, error) {
		if call%2 == 0 {
			return nil, 0, errors.New("socket table unavailable")
		}
		return rawEvents(1), 0, nil
	}}
	healthy := &fakeWatcher{src: event.SourceProcess, produce: func(int) ([]event.RawEvent, int, error) {
		return rawEvents(1), 0, nil
	}}
	m := metrics.New()
	out := &sink{}
	s := New(config.NewHolder(testConfig(2, 10)), out.handle, m, zaptest.NewLogger(t))
	s.Add(w)
	s.Add(healthy)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WatcherErrors.WithLabelValues("network")) >= 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Greater(t, testutil.ToFloat64(m.EventsCollected.WithLabelValues("network")), 2.0)
	assert.Greater(t, testutil.ToFloat64(m.EventsCollected.WithLabelValues("process")), 2.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WatcherErrors.WithLabelValues("process")))
}

func TestReloadReconfiguresBetweenCycles(t *testing.T) {
	w := &fakeWatcher{src: event.SourceFilesystem}
	holder := config.NewHolder(testConfig(2, 10))
	s := New(holder, (&sink{}).handle, metrics.New(), zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return w.calls.Load() >= 2 }, time.Second, time.Millisecond)
	next := testConfig(3, 20)
	holder.Store(next)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.reconfig) == 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Same(t, next, w.reconfig[0])
}

func TestShutdownAbandonsStuckCollect(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	w := &fakeWatcher{src: event.SourceMetrics, blockOn: 1, block: stuck}

	cfg := testConfig(1000, 10)
	cfg.Agent.ShutdownGraceMS = 20
	s := New(config.NewHolder(cfg), (&sink{}).handle, metrics.New(), zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return w.calls.Load() == 1 }, time.Second, time.Millisecond)
	start := time.Now()
	cancel()
	err := <-errc
	assert.ErrorIs(t, err, ErrGraceExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestShutdownWaitsForInFlightCollect(t *testing.T) {
	release := make(chan struct{})
	w := &fakeWatcher{src: event.SourceProcess, blockOn: 1, block: release, produce: func(int) ([]event.RawEvent, int, error) {
		return rawEvents(2), 0, nil
	}}
	out := &sink{}
	s := New(config.NewHolder(testConfig(1000, 10)), out.handle, metrics.New(), zaptest.NewLogger(t))
	s.Add(w)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return w.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-errc)
	assert.Equal(t, 2, out.total(), "events of the finished in-flight collect are delivered")
}
