package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/pkg/logging"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher 监听配置文件，变更后重新加载并发布到 Holder。
// 新配置非法时保留旧配置，只记录错误。
type Watcher struct {
	path     string
	holder   *Holder
	debounce time.Duration
	log      *zap.Logger
	onReload func(*MonitorConfig)
	watcher  *fsnotify.Watcher
}

// NewWatcher 创建配置监听器；onReload 在新配置发布后调用，可以为 nil
func NewWatcher(path string, holder *Holder, debounce time.Duration, log *zap.Logger, onReload func(*MonitorConfig)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		debounce: debounce,
		log:      logging.Named(log, "config"),
		onReload: onReload,
		watcher:  fw,
	}, nil
}

// Run 阻塞直到 ctx 取消。监听目录而不是文件本身，这样编辑器的
// 原子替换（写临时文件再 rename）也能被捕获。
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// 重置防抖定时器
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))

		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected, keeping previous config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.holder.Store(cfg)
	w.log.Info("config reloaded", zap.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
