// Package linux_monitor 提供 Linux 专用的系统面实现。
package linux_monitor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Hara602/xdrSensor/internal/monitor"
)

// Runner 执行外部命令并返回标准输出（测试时替换）
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SystemdServices 通过 systemctl 列出全部服务单元
type SystemdServices struct {
	run Runner
}

func NewSystemdServices(run Runner) *SystemdServices {
	if run == nil {
		run = execRunner
	}
	return &SystemdServices{run: run}
}

func (s *SystemdServices) Services(ctx context.Context) ([]monitor.ServiceInfo, error) {
	out, err := s.run(ctx, "systemctl", "list-units", "--type=service", "--all", "--no-pager", "--plain", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("systemctl list-units: %w", err)
	}
	return ParseUnits(out), nil
}

// ParseUnits 解析 `systemctl list-units --plain --no-legend` 的输出
// 每行: UNIT LOAD ACTIVE SUB DESCRIPTION...
func ParseUnits(out []byte) []monitor.ServiceInfo {
	var svcs []monitor.ServiceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		// 失败或找不到的单元前面会有一个圆点
		line := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sc.Text()), "●"))
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ".service") {
			continue
		}
		svcs = append(svcs, monitor.ServiceInfo{
			Name:        strings.TrimSuffix(fields[0], ".service"),
			DisplayName: strings.Join(fields[4:], " "),
			State:       unitState(fields[2], fields[3]),
		})
	}
	return svcs
}

func unitState(active, sub string) string {
	switch {
	case sub == "running":
		return monitor.ServiceRunning
	case active == "inactive" || sub == "dead":
		return "stopped"
	default:
		return sub
	}
}
