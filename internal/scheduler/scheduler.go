// Package scheduler 按配置的周期驱动每个 Watcher 采集。
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/metrics"
	"github.com/Hara602/xdrSensor/internal/monitor"
	"github.com/Hara602/xdrSensor/pkg/event"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// ErrGraceExceeded 宽限期内仍有采集没有结束，Run 放弃等待
var ErrGraceExceeded = errors.New("scheduler: shutdown grace period exceeded")

// Handler 接收一个周期转发的事件，在采集 goroutine 内同步调用；
// 它阻塞时下一个 tick 会记为错过的周期
type Handler func(ctx context.Context, src event.Source, events []event.RawEvent)

// Cycle 一次采集的结果
type Cycle struct {
	Source    event.Source
	Forwarded int
	Dropped   int // 总丢弃数
	Truncated int // 其中由调度器截断的部分，其余由 watcher 自己报告
	Duration  time.Duration
	Err       error
}

// Collect 执行一次采集并把结果截断到 maxEvents
func Collect(ctx context.Context, w monitor.Watcher, maxEvents int) (Cycle, []event.RawEvent) {
	start := time.Now()
	events, dropped, err := w.Collect(ctx, maxEvents)
	c := Cycle{Source: w.Source(), Dropped: dropped, Err: err}
	if err != nil {
		events = nil
	}
	if maxEvents >= 0 && len(events) > maxEvents {
		c.Truncated = len(events) - maxEvents
		c.Dropped += c.Truncated
		events = events[:maxEvents]
	}
	c.Forwarded = len(events)
	c.Duration = time.Since(start)
	return c, events
}

type Scheduler struct {
	holder   *config.Holder
	handler  Handler
	metrics  *metrics.Metrics
	log      *zap.Logger
	watchers []monitor.Watcher
}

func New(holder *config.Holder, handler Handler, met *metrics.Metrics, log *zap.Logger) *Scheduler {
	return &Scheduler{
		holder:  holder,
		handler: handler,
		metrics: met,
		log:     logging.Named(log, "scheduler"),
	}
}

// Add 在 Run 之前注册 Watcher
func (s *Scheduler) Add(w monitor.Watcher) {
	s.watchers = append(s.watchers, w)
}

// Run 为每个 Watcher 启动一个循环，阻塞到 ctx 结束。
// 之后最多等待 agent.shutdown_grace_ms 让进行中的采集完成。
func (s *Scheduler) Run(ctx context.Context) error {
	// 采集和交付不跟随 ctx 立即取消，宽限期结束时才取消
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range s.watchers {
		wg.Add(1)
		go func(w monitor.Watcher) {
			defer wg.Done()
			s.loop(ctx, runCtx, w)
		}(w)
	}
	s.log.Info("scheduler started", zap.Int("watchers", len(s.watchers)))

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := s.holder.Load().ShutdownGrace()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-timer.C:
		cancel()
		s.log.Warn("in-flight collections abandoned", zap.Duration("grace", grace))
		return ErrGraceExceeded
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context, w monitor.Watcher) {
	src := w.Source()
	log := s.log.With(logging.Source(src))

	cfg := s.holder.Load()
	applied := cfg
	interval := cfg.CheckInterval()

	finished := make(chan struct{}, 1)
	running := false
	var missed uint64

	start := func(cfg *config.MonitorConfig) {
		running = true
		go func() {
			s.cycle(runCtx, w, cfg, log)
			finished <- struct{}{}
		}()
	}

	// 立即做一次（建立基线）
	start(cfg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if running {
				select {
				case <-finished:
				case <-runCtx.Done():
				}
			}
			return

		case <-finished:
			running = false

		case <-ticker.C:
			// ctx 和 ticker 同时就绪时 select 随机挑选，停止后不再开始新周期
			if ctx.Err() != nil {
				continue
			}
			cfg := s.holder.Load()
			if d := cfg.CheckInterval(); d != interval && d > 0 {
				interval = d
				ticker.Reset(d)
				log.Info("check interval changed", zap.Duration("interval", d))
			}
			if running {
				// 上一次还没结束，不允许重叠
				missed++
				s.metrics.MissedCycles.WithLabelValues(string(src)).Inc()
				log.Warn("collection still running, cycle skipped", logging.Missed(missed))
				continue
			}
			if cfg != applied {
				if r, ok := w.(monitor.Reconfigurable); ok {
					r.Reconfigure(cfg)
				}
				applied = cfg
			}
			start(cfg)
		}
	}
}

func (s *Scheduler) cycle(runCtx context.Context, w monitor.Watcher, cfg *config.MonitorConfig, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(runCtx, cfg.CheckInterval())
	c, events := Collect(ctx, w, cfg.MaxEvents())
	cancel()

	src := string(c.Source)
	s.metrics.CollectDuration.WithLabelValues(src).Observe(c.Duration.Seconds())
	if c.Err != nil {
		s.metrics.WatcherErrors.WithLabelValues(src).Inc()
		log.Warn("collection failed", zap.Error(c.Err), zap.Duration("duration", c.Duration))
		return
	}
	if c.Dropped > 0 {
		if n := c.Dropped - c.Truncated; n > 0 {
			s.metrics.EventsDropped.WithLabelValues(src, metrics.ReasonWatcher).Add(float64(n))
		}
		if c.Truncated > 0 {
			s.metrics.EventsDropped.WithLabelValues(src, metrics.ReasonCap).Add(float64(c.Truncated))
		}
		log.Warn("events over per-cycle cap dropped",
			zap.Int("forwarded", c.Forwarded),
			logging.Dropped(c.Dropped),
		)
	}
	if c.Forwarded == 0 {
		return
	}
	s.metrics.EventsCollected.WithLabelValues(src).Add(float64(c.Forwarded))
	log.Debug("collected", zap.Int("forwarded", c.Forwarded), zap.Duration("duration", c.Duration))
	s.handler(runCtx, c.Source, events)
}
