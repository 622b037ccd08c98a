package monitor

import (
	"context"
	"io/fs"
	"time"
)

// 以下接口是监控器和操作系统之间的边界。每个实现只负责“列出当前状态”，
// 差异计算全部在监控器里完成。

type FileInfo struct {
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
}

type FileSurface interface {
	Snapshot(ctx context.Context) (map[string]FileInfo, error)
}

// RegistrySurface 返回 KEY\value -> 数据
type RegistrySurface interface {
	Values(ctx context.Context, keys []string) (map[string]string, error)
}

type Connection struct {
	Protocol string // tcp / udp / tcp6 / udp6
	Local    string
	Remote   string
	Status   string
	PID      int32
}

type ConnectionSurface interface {
	Connections(ctx context.Context) ([]Connection, error)
}

type ProcessInfo struct {
	PID        int32
	PPID       int32
	CreateTime int64 // 毫秒
	Name       string
	Exe        string
	Cmdline    string
	User       string
}

type ProcessSurface interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// 服务状态统一为小写：running / stopped / ... 其它状态保留原值
const ServiceRunning = "running"

type ServiceInfo struct {
	Name        string
	DisplayName string
	State       string
}

type ServiceSurface interface {
	Services(ctx context.Context) ([]ServiceInfo, error)
}

// MetricsSurface 返回计数器名 -> 当前值
type MetricsSurface interface {
	Sample(ctx context.Context) (map[string]float64, error)
}
