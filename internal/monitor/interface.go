package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// Watcher 是所有来源监控器必须实现的接口
// 调度器不需要知道底层是 Linux 还是 Windows，只负责按周期调用 Collect
type Watcher interface {
	Source() event.Source

	// Collect 返回自上次调用以来的变化，最多 maxEvents 条；
	// 超出部分只计数（dropped），快照照常推进
	Collect(ctx context.Context, maxEvents int) (events []event.RawEvent, dropped int, err error)
}

// Reconfigurable 由支持热更新的监控器实现；调度器保证它不会和 Collect 并发
type Reconfigurable interface {
	Reconfigure(cfg *config.MonitorConfig)
}

// ErrUnsupported 当前平台没有该系统面的实现
var ErrUnsupported = errors.New("surface not supported on this platform")

// WatcherError 单个采集周期的失败，不影响后续周期
type WatcherError struct {
	Source event.Source
	Err    error
}

func (e *WatcherError) Error() string {
	return fmt.Sprintf("%s watcher: %v", e.Source, e.Err)
}

func (e *WatcherError) Unwrap() error { return e.Err }

func wrapErr(src event.Source, err error) error {
	if err == nil {
		return nil
	}
	return &WatcherError{Source: src, Err: err}
}
