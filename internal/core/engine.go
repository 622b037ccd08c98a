// Package core 把采集、归一化、关联和输出串成一条管道。
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/correlator"
	"github.com/Hara602/xdrSensor/internal/matcher"
	"github.com/Hara602/xdrSensor/internal/metrics"
	"github.com/Hara602/xdrSensor/internal/monitor"
	"github.com/Hara602/xdrSensor/internal/normalizer"
	"github.com/Hara602/xdrSensor/internal/scheduler"
	"github.com/Hara602/xdrSensor/internal/sink"
	"github.com/Hara602/xdrSensor/pkg/event"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// Surfaces 是各个监控器读取的系统面；为 nil 的来源不启用
type Surfaces struct {
	Files       monitor.FileSurface
	Registry    monitor.RegistrySurface
	Connections monitor.ConnectionSurface
	Processes   monitor.ProcessSurface
	Services    monitor.ServiceSurface
	Metrics     monitor.MetricsSurface

	// 退出时需要关闭的资源（例如 fsnotify）
	closers []io.Closer
}

type Options struct {
	// ConfigPath 非空时监听文件变化并热加载
	ConfigPath string
	// 以下字段为空时按配置和平台创建
	Surfaces *Surfaces
	Backend  sink.Backend
	Metrics  *metrics.Metrics
}

type Engine struct {
	holder  *config.Holder
	path    string
	metrics *metrics.Metrics
	log     *zap.Logger

	surfaces   *Surfaces
	normalizer *normalizer.Normalizer
	correlator *correlator.Engine
	dispatcher *sink.Dispatcher
	scheduler  *scheduler.Scheduler
}

func NewEngine(cfg *config.MonitorConfig, opts Options, log *zap.Logger) (*Engine, error) {
	log = logging.Named(log, "core")

	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}

	m, err := matcher.Compile(cfg.Registry.SuspiciousPatterns)
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	corrOpts, err := correlator.OptionsFromConfig(cfg.Correlation)
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = NewBackend(cfg.Sink, log); err != nil {
			return nil, err
		}
	}

	surfaces := opts.Surfaces
	if surfaces == nil {
		if surfaces, err = PlatformSurfaces(cfg, log); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	e := &Engine{
		holder:     config.NewHolder(cfg),
		path:       opts.ConfigPath,
		metrics:    met,
		log:        log,
		surfaces:   surfaces,
		normalizer: normalizer.New(cfg.Agent.Hostname, config.DefaultExpander()),
	}
	e.dispatcher = sink.NewDispatcher(sink.OptionsFromConfig(cfg.Sink), backend, met, log)
	e.correlator = correlator.New(corrOpts, m, e.dispatcher, met, log)
	e.scheduler = scheduler.New(e.holder, e.handle, met, log)

	for _, w := range e.watchers(cfg) {
		e.scheduler.Add(w)
	}
	return e, nil
}

// NewBackend 按 sink.backend 创建后端
func NewBackend(sc config.SinkConfig, log *zap.Logger) (sink.Backend, error) {
	switch sc.Backend {
	case "opensearch":
		b, err := sink.NewOpenSearchBackend(sc.OpenSearch, log)
		if err != nil {
			return nil, err
		}
		// 启动时不可达不是致命错误，写入失败会按退避重试
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			logging.Named(log, "sink").Warn("opensearch not reachable yet", zap.String("url", sc.OpenSearch.URL), zap.Error(err))
		}
		return b, nil
	case "nats":
		return sink.DialNATS(sc.NATS, log)
	case "log":
		return sink.NewLogBackend(log), nil
	}
	return nil, &config.ConfigError{Err: fmt.Errorf("unknown sink backend %q", sc.Backend)}
}

func (e *Engine) watchers(cfg *config.MonitorConfig) []monitor.Watcher {
	s := e.surfaces
	src := cfg.Sources
	var out []monitor.Watcher

	add := func(enabled bool, name event.Source, ok bool, w func() monitor.Watcher) {
		switch {
		case !enabled:
			e.log.Info("source disabled", logging.Source(name))
		case !ok:
			e.log.Info("source not available on this platform, skipped", logging.Source(name))
		default:
			out = append(out, w())
		}
	}

	add(src.Filesystem.Enabled, event.SourceFilesystem, s.Files != nil, func() monitor.Watcher {
		return monitor.NewFileWatcher(s.Files, monitor.ScopeFromConfig(cfg), cfg.Settings.HashMaxBytes)
	})
	add(src.Registry.Enabled, event.SourceRegistry, registrySupported(s.Registry, cfg.Registry.WatchedKeys()), func() monitor.Watcher {
		return monitor.NewRegistryWatcher(s.Registry, cfg.Registry.WatchedKeys())
	})
	add(src.Network.Enabled, event.SourceNetwork, s.Connections != nil, func() monitor.Watcher {
		return monitor.NewNetworkWatcher(s.Connections)
	})
	add(src.Process.Enabled, event.SourceProcess, s.Processes != nil, func() monitor.Watcher {
		return monitor.NewProcessWatcher(s.Processes)
	})
	add(src.Service.Enabled, event.SourceService, s.Services != nil, func() monitor.Watcher {
		return monitor.NewServiceWatcher(s.Services)
	})
	add(src.Metrics.Enabled, event.SourceMetrics, s.Metrics != nil, func() monitor.Watcher {
		return monitor.NewMetricsWatcher(s.Metrics, cfg.Metrics.MinDelta)
	})
	return out
}

func registrySupported(r monitor.RegistrySurface, keys []string) bool {
	if r == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Values(ctx, keys)
	return !errors.Is(err, monitor.ErrUnsupported)
}

// handle 在采集 goroutine 里归一化并交给关联引擎
func (e *Engine) handle(ctx context.Context, src event.Source, raws []event.RawEvent) {
	dropped := 0
	for _, raw := range raws {
		if err := e.correlator.Submit(ctx, e.normalizer.Normalize(raw)); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		e.metrics.EventsDropped.WithLabelValues(string(src), metrics.ReasonInbox).Add(float64(dropped))
		e.log.Warn("events not accepted by correlator", logging.Source(src), logging.Dropped(dropped))
	}
}

// reload 在配置文件变化后更新可以热替换的部分
func (e *Engine) reload(cfg *config.MonitorConfig) {
	m, err := matcher.Compile(cfg.Registry.SuspiciousPatterns)
	if err != nil {
		e.log.Error("suspicious patterns rejected, keeping previous set", zap.Error(err))
		return
	}
	e.correlator.SetMatcher(m)
	e.log.Info("suspicious patterns updated", zap.Int("patterns", m.Len()))
}

// Run 阻塞到 ctx 取消，然后按 调度器 → 关联引擎 → 输出 的顺序关闭
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.holder.Load()
	auxCtx, stopAux := context.WithCancel(ctx)
	aux := make(chan error, 2)
	running := 0

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		running++
		go func() {
			err := e.metrics.Serve(auxCtx, addr, e.log)
			if err != nil {
				e.log.Error("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
			}
			aux <- err
		}()
	}
	if e.path != "" {
		w, err := config.NewWatcher(e.path, e.holder, 0, e.log, e.reload)
		if err != nil {
			e.log.Warn("config hot reload disabled", zap.Error(err))
		} else {
			running++
			go func() { aux <- w.Run(auxCtx) }()
		}
	}

	e.log.Info("sensor started",
		zap.String("host", cfg.Agent.Hostname),
		zap.String("backend", cfg.Sink.Backend),
		zap.Duration("interval", cfg.CheckInterval()),
	)

	var errs error
	errs = multierr.Append(errs, e.scheduler.Run(ctx))

	// 1. 不再有新事件，关联引擎处理完积压并释放被抑制的告警
	e.correlator.Close()

	// 2. 输出全部写出
	grace := e.holder.Load().ShutdownGrace()
	flushCtx, cancel := context.WithTimeout(context.Background(), grace)
	errs = multierr.Append(errs, e.dispatcher.Close(flushCtx))
	cancel()

	stopAux()
	for i := 0; i < running; i++ {
		errs = multierr.Append(errs, <-aux)
	}
	for _, c := range e.surfaces.closers {
		errs = multierr.Append(errs, c.Close())
	}

	e.log.Info("sensor stopped")
	return errs
}
