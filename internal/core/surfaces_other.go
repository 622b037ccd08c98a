//go:build !linux && !windows

package core

import (
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/monitor"
)

// PlatformSurfaces 其它平台只有 gopsutil 覆盖的部分
func PlatformSurfaces(cfg *config.MonitorConfig, log *zap.Logger) (*Surfaces, error) {
	s := commonSurfaces(cfg, log)
	s.Registry = monitor.UnsupportedRegistry{}
	return s, nil
}
