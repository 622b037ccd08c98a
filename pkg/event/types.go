package event

import (
	"fmt"
	"strings"
	"time"
)

// Source 标识事件来自哪个系统面
type Source string

const (
	SourceFilesystem Source = "filesystem"
	SourceRegistry   Source = "registry"
	SourceNetwork    Source = "network"
	SourceProcess    Source = "process"
	SourceService    Source = "service"
	SourceMetrics    Source = "metrics"
)

// Sources 按固定顺序返回全部来源
func Sources() []Source {
	return []Source{SourceFilesystem, SourceRegistry, SourceNetwork, SourceProcess, SourceService, SourceMetrics}
}

// ParseSource 把字符串转换为 Source，未知来源返回错误
func ParseSource(s string) (Source, error) {
	for _, src := range Sources() {
		if string(src) == strings.ToLower(strings.TrimSpace(s)) {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown event source %q", s)
}

// Action 是归一化后的动作
type Action string

const (
	ActionCreated      Action = "created"
	ActionModified     Action = "modified"
	ActionDeleted      Action = "deleted"
	ActionStarted      Action = "started"
	ActionStopped      Action = "stopped"
	ActionConnected    Action = "connected"
	ActionDisconnected Action = "disconnected"
)

// ParseAction 解析动作名
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreated, ActionModified, ActionDeleted, ActionStarted, ActionStopped, ActionConnected, ActionDisconnected:
		return a, nil
	}
	return "", fmt.Errorf("unknown event action %q", s)
}

// Severity 严重级别，数值越大越严重
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity 解析严重级别名称（不区分大小写）
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RawEvent 由 Watcher 产生，只被归一化器消费一次
// Payload 的键由各个 Watcher 自己定义（见 payload 键常量）
type RawEvent struct {
	Source    Source
	Timestamp time.Time
	Kind      Action
	Payload   map[string]string
}

// 常用的 payload 键
const (
	KeyPath        = "path"
	KeySize        = "size"
	KeyMode        = "mode"
	KeyHash        = "sha256"
	KeyKeyPath     = "key_path"
	KeyValueName   = "value_name"
	KeyOldData     = "old_data"
	KeyNewData     = "new_data"
	KeyProtocol    = "protocol"
	KeyLocalAddr   = "local_address"
	KeyRemoteAddr  = "remote_address"
	KeyState       = "state"
	KeyOldState    = "old_state"
	KeyPID         = "pid"
	KeyPPID        = "ppid"
	KeyName        = "name"
	KeyExe         = "exe"
	KeyCmdline     = "cmdline"
	KeyUser        = "user"
	KeyDisplayName = "display_name"
	KeyCounter     = "counter"
	KeyValue       = "value"
	KeyPrevious    = "previous"
)

// NormalizedEvent 是管道内部的统一事件模型，创建后不再修改
type NormalizedEvent struct {
	ID          string            `json:"id"`
	Source      Source            `json:"source"`
	Timestamp   time.Time         `json:"@timestamp"`
	Host        string            `json:"host,omitempty"`
	Subject     string            `json:"subject"`
	Action      Action            `json:"action"`
	Correlation string            `json:"correlation_key,omitempty"`
	Severity    Severity          `json:"severity"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// RoutingKey 决定事件被分配给哪个关联 worker
func (e *NormalizedEvent) RoutingKey() string {
	if e.Correlation != "" {
		return e.Correlation
	}
	return e.Subject
}

// AlertKind 区分模式匹配告警和序列关联告警
type AlertKind string

const (
	AlertKindPattern  AlertKind = "pattern"
	AlertKindSequence AlertKind = "sequence"
)

// Alert 是检测结果，交给 Sink 之后核心不再持有
type Alert struct {
	ID          string             `json:"id"`
	Rule        string             `json:"rule"`
	Kind        AlertKind          `json:"kind"`
	Patterns    []string           `json:"patterns,omitempty"`
	Subject     string             `json:"subject"`
	Severity    Severity           `json:"severity"`
	Reason      string             `json:"reason"`
	Events      []*NormalizedEvent `json:"events"`
	Occurrences int                `json:"occurrences"`
	FirstSeen   time.Time          `json:"first_seen"`
	LastSeen    time.Time          `json:"@timestamp"`
}
