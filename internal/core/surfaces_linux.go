package core

import (
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/monitor"
	linux_monitor "github.com/Hara602/xdrSensor/internal/monitor/linux"
)

// PlatformSurfaces Linux：服务来自 systemd，没有注册表
func PlatformSurfaces(cfg *config.MonitorConfig, log *zap.Logger) (*Surfaces, error) {
	s := commonSurfaces(cfg, log)
	s.Registry = monitor.UnsupportedRegistry{}
	s.Services = linux_monitor.NewSystemdServices(nil)
	return s, nil
}
