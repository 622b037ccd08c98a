// Package config 负责加载、校验和热更新传感器配置。
// MonitorConfig 加载后不可变；热更新时构造新对象并通过 Holder 原子替换。
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 默认配置文件路径（沿用原有约定）
const DefaultPath = "config/monitor.yaml"

// MonitorConfig 是整个进程共享的只读配置
type MonitorConfig struct {
	Paths       []string          `mapstructure:"paths" yaml:"paths"`
	Settings    FileSettings      `mapstructure:"settings" yaml:"settings"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Sources     SourcesConfig     `mapstructure:"sources" yaml:"sources"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation"`
	Sink        SinkConfig        `mapstructure:"sink" yaml:"sink"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`

	// 展开环境变量之后的监控路径，与 Paths 一一对应
	watched []string
}

// FileSettings 文件系统监控设置
type FileSettings struct {
	Recursive    bool     `mapstructure:"recursive" yaml:"recursive"`
	Extensions   []string `mapstructure:"extensions" yaml:"extensions"`
	HashMaxBytes int64    `mapstructure:"hash_max_bytes" yaml:"hash_max_bytes"`
}

// RegistryConfig 注册表监控设置
type RegistryConfig struct {
	AutorunPaths       []string         `mapstructure:"autorun_paths" yaml:"autorun_paths"`
	SensitiveKeys      []string         `mapstructure:"sensitive_keys" yaml:"sensitive_keys"`
	SuspiciousPatterns []string         `mapstructure:"suspicious_patterns" yaml:"suspicious_patterns"`
	Settings           RegistrySettings `mapstructure:"settings" yaml:"settings"`
}

// WatchedKeys 自启动键和敏感键合并去重（大小写不敏感），顺序保持配置顺序
func (r RegistryConfig) WatchedKeys() []string {
	seen := make(map[string]bool, len(r.AutorunPaths)+len(r.SensitiveKeys))
	out := make([]string, 0, len(r.AutorunPaths)+len(r.SensitiveKeys))
	for _, k := range append(append([]string(nil), r.AutorunPaths...), r.SensitiveKeys...) {
		lk := strings.ToLower(k)
		if seen[lk] {
			continue
		}
		seen[lk] = true
		out = append(out, k)
	}
	return out
}

// RegistrySettings 采集节奏；虽然放在 registry 下，但对所有来源生效
type RegistrySettings struct {
	CheckIntervalMS        int `mapstructure:"check_interval_ms" yaml:"check_interval_ms"`
	MaxEventsPerCollection int `mapstructure:"max_events_per_collection" yaml:"max_events_per_collection"`
}

type AgentConfig struct {
	Hostname        string `mapstructure:"hostname" yaml:"hostname"`
	LogMode         string `mapstructure:"log_mode" yaml:"log_mode"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
	ShutdownGraceMS int    `mapstructure:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
}

type SourceToggle struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type SourcesConfig struct {
	Filesystem SourceToggle `mapstructure:"filesystem" yaml:"filesystem"`
	Registry   SourceToggle `mapstructure:"registry" yaml:"registry"`
	Network    SourceToggle `mapstructure:"network" yaml:"network"`
	Process    SourceToggle `mapstructure:"process" yaml:"process"`
	Service    SourceToggle `mapstructure:"service" yaml:"service"`
	Metrics    SourceToggle `mapstructure:"metrics" yaml:"metrics"`
}

// CorrelationConfig 关联引擎设置，时间单位都是毫秒
type CorrelationConfig struct {
	Workers             int                  `mapstructure:"workers" yaml:"workers"`
	QueueSize           int                  `mapstructure:"queue_size" yaml:"queue_size"`
	WindowMS            int                  `mapstructure:"window_ms" yaml:"window_ms"`
	SuppressionWindowMS int                  `mapstructure:"suppression_window_ms" yaml:"suppression_window_ms"`
	MaxKeys             int                  `mapstructure:"max_keys" yaml:"max_keys"`
	Rules               []SequenceRuleConfig `mapstructure:"rules" yaml:"rules"`
}

// SequenceRuleConfig 描述一条跨来源的序列规则
type SequenceRuleConfig struct {
	Name     string       `mapstructure:"name" yaml:"name"`
	Severity string       `mapstructure:"severity" yaml:"severity"`
	WindowMS int          `mapstructure:"window_ms" yaml:"window_ms"`
	Steps    []StepConfig `mapstructure:"steps" yaml:"steps"`
}

type StepConfig struct {
	Source  string   `mapstructure:"source" yaml:"source"`
	Actions []string `mapstructure:"actions" yaml:"actions"`
}

type SinkConfig struct {
	Backend          string           `mapstructure:"backend" yaml:"backend"`
	BatchSize        int              `mapstructure:"batch_size" yaml:"batch_size"`
	FlushIntervalMS  int              `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
	MaxAttempts      int              `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMS int              `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMS     int              `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms"`
	AttemptTimeoutMS int              `mapstructure:"attempt_timeout_ms" yaml:"attempt_timeout_ms"`
	QueueDepth       int              `mapstructure:"queue_depth" yaml:"queue_depth"`
	OpenSearch       OpenSearchConfig `mapstructure:"opensearch" yaml:"opensearch"`
	NATS             NATSConfig       `mapstructure:"nats" yaml:"nats"`
}

type OpenSearchConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	IndexPrefix string `mapstructure:"index_prefix" yaml:"index_prefix"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

type MetricsConfig struct {
	ListenAddr string  `mapstructure:"listen_addr" yaml:"listen_addr"`
	MinDelta   float64 `mapstructure:"min_delta" yaml:"min_delta"`
	DiskPath   string  `mapstructure:"disk_path" yaml:"disk_path"`
}

// WatchedPaths 返回展开后的监控路径
func (c *MonitorConfig) WatchedPaths() []string {
	out := make([]string, len(c.watched))
	copy(out, c.watched)
	return out
}

// CheckInterval 采集周期
func (c *MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(c.Registry.Settings.CheckIntervalMS) * time.Millisecond
}

// MaxEvents 每个采集周期允许转发的最大事件数
func (c *MonitorConfig) MaxEvents() int {
	return c.Registry.Settings.MaxEventsPerCollection
}

func (c *MonitorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.Agent.ShutdownGraceMS) * time.Millisecond
}

func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

func (c CorrelationConfig) SuppressionWindow() time.Duration {
	return time.Duration(c.SuppressionWindowMS) * time.Millisecond
}

func (s SinkConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMS) * time.Millisecond
}

func (s SinkConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMS) * time.Millisecond
}

func (s SinkConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}

// AttemptTimeout 单次 Ingest 的上限，超时按失败重试
func (s SinkConfig) AttemptTimeout() time.Duration {
	return time.Duration(s.AttemptTimeoutMS) * time.Millisecond
}

// Load 读取并校验配置文件；任何错误都是 *ConfigError
func Load(path string) (*MonitorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("read config %s: %w", path, err)}
	}
	return Parse(data)
}

// Parse 从 YAML 内容构造配置，使用默认的环境变量展开
func Parse(data []byte) (*MonitorConfig, error) {
	return ParseWith(data, DefaultExpander())
}

// ParseWith 与 Parse 相同，但允许注入展开器（测试用）
func ParseWith(data []byte, exp Expander) (*MonitorConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	// 环境变量覆盖文件配置，例如 XDR_SINK_BACKEND=nats
	v.SetEnvPrefix("XDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse config: %w", err)}
	}

	var cfg MonitorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode config: %w", err)}
	}
	if len(cfg.Correlation.Rules) == 0 {
		cfg.Correlation.Rules = DefaultRules()
	}
	if cfg.Agent.Hostname == "" {
		cfg.Agent.Hostname = hostname()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.watched = make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		cfg.watched = append(cfg.watched, exp.ExpandPath(p))
	}
	return &cfg, nil
}

// Marshal 把配置序列化回 YAML；展开前的原始路径会被保留
func Marshal(cfg *MonitorConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultYAML 返回带示例路径的完整默认配置
func DefaultYAML() ([]byte, error) {
	cfg := Default()
	return Marshal(&cfg)
}

// hostname 优先使用 gopsutil 的主机信息，失败时回退到 os.Hostname
func hostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
