package config

import "sync/atomic"

// Holder 持有当前生效的配置；读者每次 Load 拿到一个完整快照
type Holder struct {
	p atomic.Pointer[MonitorConfig]
}

func NewHolder(cfg *MonitorConfig) *Holder {
	h := &Holder{}
	h.p.Store(cfg)
	return h
}

func (h *Holder) Load() *MonitorConfig {
	return h.p.Load()
}

// Store 原子替换配置，返回旧配置
func (h *Holder) Store(cfg *MonitorConfig) *MonitorConfig {
	return h.p.Swap(cfg)
}
