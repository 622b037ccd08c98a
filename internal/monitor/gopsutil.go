package monitor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// HostProcesses 基于 gopsutil 的进程表
type HostProcesses struct{}

func (HostProcesses) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := ProcessInfo{PID: p.Pid}
		// 进程可能在枚举过程中退出，单个字段失败不影响整体
		info.CreateTime, _ = p.CreateTimeWithContext(ctx)
		info.PPID, _ = p.PpidWithContext(ctx)
		info.Name, _ = p.NameWithContext(ctx)
		info.Exe, _ = p.ExeWithContext(ctx)
		info.Cmdline, _ = p.CmdlineWithContext(ctx)
		info.User, _ = p.UsernameWithContext(ctx)
		out = append(out, info)
	}
	return out, nil
}

// HostConnections 基于 gopsutil 的 IPv4/IPv6 套接字表
type HostConnections struct{}

func (HostConnections) Connections(ctx context.Context) ([]Connection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(stats))
	for _, s := range stats {
		out = append(out, Connection{
			Protocol: protocolName(s.Type, s.Family),
			Local:    addrString(s.Laddr),
			Remote:   addrString(s.Raddr),
			Status:   s.Status,
			PID:      s.Pid,
		})
	}
	return out, nil
}

func protocolName(sockType, family uint32) string {
	proto := "tcp"
	if sockType == syscall.SOCK_DGRAM {
		proto = "udp"
	}
	if family != syscall.AF_INET {
		proto += "6"
	}
	return proto
}

func addrString(a psnet.Addr) string {
	if a.IP == "" {
		return ""
	}
	return net.JoinHostPort(a.IP, strconv.FormatUint(uint64(a.Port), 10))
}

// HostMetrics 采样 CPU、内存、负载和磁盘使用率。
// 平台不支持的计数器（例如 Windows 上的 load）直接跳过。
type HostMetrics struct {
	mu       sync.RWMutex
	diskPath string
}

func NewHostMetrics(diskPath string) *HostMetrics {
	return &HostMetrics{diskPath: diskPath}
}

func (h *HostMetrics) SetDiskPath(p string) {
	h.mu.Lock()
	h.diskPath = p
	h.mu.Unlock()
}

func (h *HostMetrics) Sample(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, 8)

	// interval 为 0 时和上一次调用比较，不会阻塞
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	if len(pct) > 0 {
		out["cpu.percent"] = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["mem.used_percent"] = vm.UsedPercent
		out["mem.available_mb"] = float64(vm.Available) / (1 << 20)
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		out["swap.used_percent"] = sw.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out["load.1"] = avg.Load1
		out["load.5"] = avg.Load5
	}

	h.mu.RLock()
	diskPath := h.diskPath
	h.mu.RUnlock()
	if diskPath != "" {
		if u, err := disk.UsageWithContext(ctx, diskPath); err == nil {
			out["disk.used_percent"] = u.UsedPercent
		}
	}
	return out, nil
}
