package monitor

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// 注册表根键的长短两种写法
var hives = map[string]string{
	"HKLM":                "HKEY_LOCAL_MACHINE",
	"HKEY_LOCAL_MACHINE":  "HKEY_LOCAL_MACHINE",
	"HKCU":                "HKEY_CURRENT_USER",
	"HKEY_CURRENT_USER":   "HKEY_CURRENT_USER",
	"HKU":                 "HKEY_USERS",
	"HKEY_USERS":          "HKEY_USERS",
	"HKCR":                "HKEY_CLASSES_ROOT",
	"HKEY_CLASSES_ROOT":   "HKEY_CLASSES_ROOT",
	"HKCC":                "HKEY_CURRENT_CONFIG",
	"HKEY_CURRENT_CONFIG": "HKEY_CURRENT_CONFIG",
}

// SplitRegistryKey 把 `HKLM\Software\...` 拆成规范根键名和子路径
func SplitRegistryKey(key string) (hive, sub string, ok bool) {
	key = strings.Trim(strings.ReplaceAll(key, "/", `\`), `\ `)
	head, rest, _ := strings.Cut(key, `\`)
	hive, ok = hives[strings.ToUpper(head)]
	return hive, rest, ok
}

// SplitValuePath 把 KEY\value 拆开（值名里不会出现反斜杠）
func SplitValuePath(p string) (key, value string) {
	i := strings.LastIndex(p, `\`)
	if i < 0 {
		return p, ""
	}
	return p[:i], p[i+1:]
}

// keySet 判断值路径是否位于某个监控键（或其子键）下
func keySet(keys []string) func(string) bool {
	prefixes := make([]string, 0, len(keys))
	for _, k := range keys {
		if hive, sub, ok := SplitRegistryKey(k); ok {
			prefixes = append(prefixes, strings.ToLower(hive+`\`+sub+`\`))
		}
	}
	return func(p string) bool {
		lp := strings.ToLower(p)
		for _, pre := range prefixes {
			if strings.HasPrefix(lp, pre) {
				return true
			}
		}
		return false
	}
}

// RegistryWatcher 对比自启动键和敏感键下的值
type RegistryWatcher struct {
	surface RegistrySurface

	mu      sync.Mutex
	keys    []string
	oldKeys []string // 键集合变化后、下一次 Collect 之前的旧集合
	rekeyed bool

	prev     map[string]string
	baseline bool
}

func NewRegistryWatcher(surface RegistrySurface, keys []string) *RegistryWatcher {
	return &RegistryWatcher{surface: surface, keys: append([]string(nil), keys...)}
}

func (w *RegistryWatcher) Source() event.Source { return event.SourceRegistry }

func (w *RegistryWatcher) Reconfigure(cfg *config.MonitorConfig) {
	next := cfg.Registry.WatchedKeys()
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Equal(next, w.keys) {
		return
	}
	if !w.rekeyed {
		w.oldKeys, w.rekeyed = w.keys, true
	}
	w.keys = next
}

func (w *RegistryWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	w.mu.Lock()
	keys, oldKeys, rekeyed := w.keys, w.oldKeys, w.rekeyed
	w.mu.Unlock()

	cur, err := w.surface.Values(ctx, keys)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	prev := w.prev
	w.prev = cur
	if rekeyed {
		prev = rebase(prev, cur, keySet(oldKeys), keySet(keys))
		w.mu.Lock()
		w.oldKeys, w.rekeyed = nil, false
		w.mu.Unlock()
	}
	if !w.baseline {
		w.baseline = true
		return nil, 0, nil
	}

	added, removed, changed := diff(prev, cur, func(a, b string) bool { return a == b })
	b := newBudget(w.Source(), maxEvents, now())
	for _, p := range added {
		b.add(event.ActionCreated, registryPayload(p, "", cur[p]))
	}
	for _, p := range changed {
		b.add(event.ActionModified, registryPayload(p, prev[p], cur[p]))
	}
	for _, p := range removed {
		b.add(event.ActionDeleted, registryPayload(p, prev[p], ""))
	}
	events, dropped := b.result()
	return events, dropped, nil
}

func registryPayload(p, oldData, newData string) map[string]string {
	key, value := SplitValuePath(p)
	payload := map[string]string{
		event.KeyKeyPath:   key,
		event.KeyValueName: value,
	}
	if oldData != "" {
		payload[event.KeyOldData] = oldData
	}
	if newData != "" {
		payload[event.KeyNewData] = newData
	}
	return payload
}

// UnsupportedRegistry 非 Windows 平台使用
type UnsupportedRegistry struct{}

func (UnsupportedRegistry) Values(context.Context, []string) (map[string]string, error) {
	return nil, ErrUnsupported
}
