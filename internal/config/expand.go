package config

import (
	"os"
	"path"
	"regexp"
	"strings"
)

// ${VAR} 和 %VAR% 两种占位符
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|%([A-Za-z_][A-Za-z0-9_()]*)%`)

// Expander 展开路径里的环境变量。配置加载和事件归一化共用同一个实例，
// 保证两边的路径可以直接比较。
type Expander struct {
	Lookup func(string) (string, bool)
}

// DefaultExpander 使用进程环境变量
func DefaultExpander() Expander {
	return Expander{Lookup: os.LookupEnv}
}

// MapExpander 使用固定的变量表（测试或离线回放）
func MapExpander(vars map[string]string) Expander {
	return Expander{Lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

// Expand 替换所有已定义的变量；未定义的占位符原样保留
func (e Expander) Expand(s string) string {
	if e.Lookup == nil || !strings.ContainsAny(s, "$%") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if v, ok := e.Lookup(name); ok {
			return v
		}
		return m
	})
}

// ExpandPath 展开变量后统一为正斜杠并清理多余的分隔符
func (e Expander) ExpandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(e.Expand(p), `\`, "/")
	cleaned := path.Clean(p)
	// 保留 UNC 前缀 //server/share
	if strings.HasPrefix(p, "//") && !strings.HasPrefix(cleaned, "//") {
		cleaned = "/" + cleaned
	}
	return cleaned
}
