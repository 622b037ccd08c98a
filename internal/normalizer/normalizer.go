// Package normalizer 把各来源的 RawEvent 转换为统一的 NormalizedEvent。
// Normalize 是纯函数：相同输入总是得到相同输出（包括 ID）。
package normalizer

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// Namespace 事件 ID（UUIDv5）的命名空间
var Namespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("events.xdr-sensor"))

type Normalizer struct {
	host string
	exp  config.Expander
}

// New 创建归一化器；exp 必须和加载配置时使用的是同一个展开器
func New(host string, exp config.Expander) *Normalizer {
	return &Normalizer{host: host, exp: exp}
}

// Normalize 对任何 RawEvent 都返回结果，不会失败
func (n *Normalizer) Normalize(raw event.RawEvent) *event.NormalizedEvent {
	payload := make(map[string]string, len(raw.Payload))
	for k, v := range raw.Payload {
		payload[k] = v
	}

	ev := &event.NormalizedEvent{
		Source:    raw.Source,
		Timestamp: raw.Timestamp.UTC(),
		Host:      n.host,
		Action:    raw.Kind,
		Payload:   payload,
	}
	if ev.Action == "" {
		ev.Action = event.ActionModified
	}

	switch raw.Source {
	case event.SourceFilesystem:
		ev.Subject = n.exp.ExpandPath(payload[event.KeyPath])
		ev.Correlation = strings.ToLower(ev.Subject)
		ev.Severity = fileSeverity(ev.Action)

	case event.SourceRegistry:
		ev.Subject = registrySubject(payload[event.KeyKeyPath], payload[event.KeyValueName])
		data := payload[event.KeyNewData]
		if data == "" {
			data = payload[event.KeyOldData]
		}
		if exe := n.ExecutableFromCommand(data); exe != "" {
			ev.Correlation = strings.ToLower(exe)
		}
		ev.Severity = registrySeverity(ev.Action)

	case event.SourceProcess:
		if exe := payload[event.KeyExe]; exe != "" {
			ev.Subject = n.exp.ExpandPath(exe)
			ev.Correlation = strings.ToLower(ev.Subject)
		} else if name := payload[event.KeyName]; name != "" {
			ev.Subject = name
		} else {
			ev.Subject = "pid:" + payload[event.KeyPID]
		}
		ev.Severity = event.SeverityInfo

	case event.SourceNetwork:
		ev.Subject = strings.TrimSpace(payload[event.KeyProtocol] + " " +
			payload[event.KeyLocalAddr] + " -> " + payload[event.KeyRemoteAddr])
		ev.Severity = event.SeverityInfo

	case event.SourceService:
		ev.Subject = payload[event.KeyName]
		ev.Severity = serviceSeverity(ev.Action)

	case event.SourceMetrics:
		ev.Subject = payload[event.KeyCounter]
		ev.Severity = event.SeverityInfo

	default:
		ev.Subject = firstNonEmpty(payload[event.KeyPath], payload[event.KeyName])
	}

	ev.ID = ID(n.host, raw).String()
	return ev
}

// ID 由主机名和原始事件的规范形式计算
func ID(host string, raw event.RawEvent) uuid.UUID {
	return uuid.NewSHA1(Namespace, canonical(host, raw))
}

func canonical(host string, raw event.RawEvent) []byte {
	keys := make([]string, 0, len(raw.Payload))
	for k := range raw.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(host)
	sb.WriteByte(0x1f)
	sb.WriteString(string(raw.Source))
	sb.WriteByte(0x1f)
	sb.WriteString(raw.Timestamp.UTC().Format(time.RFC3339Nano))
	sb.WriteByte(0x1f)
	sb.WriteString(string(raw.Kind))
	for _, k := range keys {
		sb.WriteByte(0x1e)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(raw.Payload[k])
	}
	return []byte(sb.String())
}

// ExecutableFromCommand 从命令行（例如 Run 键的数据）里取出可执行文件路径，
// 已展开并统一分隔符
func (n *Normalizer) ExecutableFromCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	var exe string
	switch {
	case strings.HasPrefix(cmd, `"`):
		// 1. 带引号的路径
		if end := strings.Index(cmd[1:], `"`); end >= 0 {
			exe = cmd[1 : end+1]
		} else {
			exe = cmd[1:]
		}
	default:
		// 2. 不带引号：到 .exe 结尾为止（路径里可能有空格），否则取第一段
		expanded := n.exp.Expand(cmd)
		if i := strings.Index(strings.ToLower(expanded), ".exe"); i >= 0 {
			exe = expanded[:i+len(".exe")]
		} else if j := strings.IndexAny(expanded, " \t"); j >= 0 {
			exe = expanded[:j]
		} else {
			exe = expanded
		}
	}
	return n.exp.ExpandPath(exe)
}

// 注册表 subject 保持 KEY\value 形式
func registrySubject(key, value string) string {
	key = strings.TrimRight(strings.TrimSpace(key), `\`)
	if value == "" {
		return key
	}
	return key + `\` + value
}

func fileSeverity(a event.Action) event.Severity {
	switch a {
	case event.ActionCreated, event.ActionModified:
		return event.SeverityLow
	}
	return event.SeverityInfo
}

// 注册表：创建和删除为 High，修改为 Medium
func registrySeverity(a event.Action) event.Severity {
	switch a {
	case event.ActionCreated, event.ActionDeleted:
		return event.SeverityHigh
	}
	return event.SeverityMedium
}

func serviceSeverity(a event.Action) event.Severity {
	switch a {
	case event.ActionCreated:
		return event.SeverityMedium
	case event.ActionDeleted, event.ActionModified:
		return event.SeverityLow
	}
	return event.SeverityInfo
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
