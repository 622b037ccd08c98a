package core

import (
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/monitor"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// commonSurfaces 是各平台共用的部分：文件、网络、进程、指标
func commonSurfaces(cfg *config.MonitorConfig, log *zap.Logger) *Surfaces {
	log = logging.Named(log, "surfaces")
	s := &Surfaces{
		Connections: monitor.HostConnections{},
		Processes:   monitor.HostProcesses{},
		Metrics:     monitor.NewHostMetrics(cfg.Metrics.DiskPath),
	}

	scope := monitor.ScopeFromConfig(cfg)
	if n, err := monitor.NewNotifySurface(scope, log); err == nil {
		s.Files = n
		s.closers = append(s.closers, n)
	} else {
		// 没有 fsnotify 时退回到每周期完整遍历
		log.Warn("fs notifications unavailable, falling back to directory walks", zap.Error(err))
		s.Files = monitor.NewWalkSurface(scope)
	}
	return s
}
