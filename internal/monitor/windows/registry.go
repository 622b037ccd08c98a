//go:build windows

// Package windows_monitor 提供 Windows 专用的系统面实现。
package windows_monitor

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"

	"github.com/Hara602/xdrSensor/internal/monitor"
)

var roots = map[string]registry.Key{
	"HKEY_LOCAL_MACHINE":  registry.LOCAL_MACHINE,
	"HKEY_CURRENT_USER":   registry.CURRENT_USER,
	"HKEY_USERS":          registry.USERS,
	"HKEY_CLASSES_ROOT":   registry.CLASSES_ROOT,
	"HKEY_CURRENT_CONFIG": registry.CURRENT_CONFIG,
}

// 每个被监控键最多展开的子键数
const maxSubKeys = 4096

// Registry 读取配置键下的全部值，以及第一层子键下的值
// （IFEO 调试器、新服务这类持久化写在子键里）
type Registry struct{}

func (Registry) Values(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hive, sub, ok := monitor.SplitRegistryKey(key)
		if !ok {
			continue
		}
		k, err := registry.OpenKey(roots[hive], sub, registry.QUERY_VALUE|registry.ENUMERATE_SUB_KEYS)
		if err != nil {
			// 键不存在（例如 RunServices 在新系统上已经没有了）不算错误
			if errors.Is(err, registry.ErrNotExist) {
				continue
			}
			return nil, err
		}
		prefix := hive + `\` + sub
		if err := readValues(k, prefix, out); err != nil {
			k.Close()
			return nil, err
		}
		children, err := k.ReadSubKeyNames(maxSubKeys)
		k.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for _, child := range children {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ck, err := registry.OpenKey(roots[hive], sub+`\`+child, registry.QUERY_VALUE)
			if err != nil {
				// 子键可能刚被删除或没有读权限
				continue
			}
			_ = readValues(ck, prefix+`\`+child, out)
			ck.Close()
		}
	}
	return out, nil
}

func readValues(k registry.Key, prefix string, out map[string]string) error {
	names, err := k.ReadValueNames(-1)
	if err != nil {
		return err
	}
	for _, name := range names {
		out[prefix+`\`+name] = readValue(k, name)
	}
	return nil
}

func readValue(k registry.Key, name string) string {
	if s, _, err := k.GetStringValue(name); err == nil {
		return s
	}
	if ss, _, err := k.GetStringsValue(name); err == nil {
		return strings.Join(ss, " ")
	}
	if n, _, err := k.GetIntegerValue(name); err == nil {
		return strconv.FormatUint(n, 10)
	}
	if b, _, err := k.GetBinaryValue(name); err == nil {
		return hex.EncodeToString(b)
	}
	return ""
}
