//go:build windows

package windows_monitor

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/Hara602/xdrSensor/internal/monitor"
)

// Services 通过服务控制管理器枚举服务；只申请查询权限，普通用户也能运行
type Services struct{}

func (Services) Services(ctx context.Context) ([]monitor.ServiceInfo, error) {
	h, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT|windows.SC_MANAGER_ENUMERATE_SERVICE)
	if err != nil {
		return nil, fmt.Errorf("open service manager: %w", err)
	}
	m := &mgr.Mgr{Handle: h}
	defer m.Disconnect()

	names, err := m.ListServices()
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	out := make([]monitor.ServiceInfo, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := queryService(m, name)
		if err != nil {
			// 枚举期间被删除或无权限的服务跳过
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func queryService(m *mgr.Mgr, name string) (monitor.ServiceInfo, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return monitor.ServiceInfo{}, err
	}
	h, err := windows.OpenService(m.Handle, namePtr, windows.SERVICE_QUERY_STATUS|windows.SERVICE_QUERY_CONFIG)
	if err != nil {
		return monitor.ServiceInfo{}, err
	}
	s := &mgr.Service{Name: name, Handle: h}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return monitor.ServiceInfo{}, err
	}
	info := monitor.ServiceInfo{Name: name, State: stateName(status.State)}
	if cfg, err := s.Config(); err == nil {
		info.DisplayName = cfg.DisplayName
	}
	return info, nil
}

func stateName(s svc.State) string {
	switch s {
	case svc.Running:
		return monitor.ServiceRunning
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "start_pending"
	case svc.StopPending:
		return "stop_pending"
	case svc.Paused:
		return "paused"
	case svc.PausePending:
		return "pause_pending"
	case svc.ContinuePending:
		return "continue_pending"
	default:
		return "unknown"
	}
}
