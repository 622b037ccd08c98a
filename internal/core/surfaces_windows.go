package core

import (
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	windows_monitor "github.com/Hara602/xdrSensor/internal/monitor/windows"
)

// PlatformSurfaces Windows：注册表和服务控制管理器
func PlatformSurfaces(cfg *config.MonitorConfig, log *zap.Logger) (*Surfaces, error) {
	s := commonSurfaces(cfg, log)
	s.Registry = windows_monitor.Registry{}
	s.Services = windows_monitor.Services{}
	return s, nil
}
