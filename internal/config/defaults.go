package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// 注册表自启动位置（同时也是序列规则里 autorun 写入的来源）
var defaultAutorunPaths = []string{
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\Run`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\RunOnce`,
	`HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Run`,
	`HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\RunOnce`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\RunServices`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\RunServicesOnce`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Winlogon`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Windows`,
}

// 敏感键：策略、服务、IFEO 等，除了键下的值还会读取一层子键
var defaultSensitiveKeys = []string{
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\Policies`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Policies\Microsoft\Windows\System`,
	`HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\Explorer\ShellExecuteHooks`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Image File Execution Options`,
	`HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows NT\CurrentVersion\SilentProcessExit`,
}

var defaultPatterns = []string{
	"powershell.exe -enc",
	"powershell -enc",
	"-encodedcommand",
	"cmd.exe /c",
	"rundll32",
	"regsvr32 /s",
	"mshta",
	"wscript",
	"cscript",
	"certutil -urlcache",
	"bitsadmin /transfer",
}

var defaultExtensions = []string{".exe", ".dll", ".ps1", ".bat", ".cmd", ".vbs", ".js", ".scr"}

// 仅用于 DefaultYAML 的示例路径；真实配置必须显式给出 paths
var examplePaths = []string{"${USERPROFILE}/Downloads", "${TEMP}"}

// DefaultRules 内置的两条序列规则
func DefaultRules() []SequenceRuleConfig {
	return []SequenceRuleConfig{
		{
			Name:     "autorun-persistence",
			Severity: "critical",
			Steps: []StepConfig{
				{Source: "registry", Actions: []string{"created", "modified"}},
				{Source: "process", Actions: []string{"started"}},
			},
		},
		{
			Name:     "dropped-binary-execution",
			Severity: "high",
			Steps: []StepConfig{
				{Source: "filesystem", Actions: []string{"created"}},
				{Source: "process", Actions: []string{"started"}},
			},
		},
	}
}

// Default 返回完整的默认配置（含示例路径）
func Default() MonitorConfig {
	return MonitorConfig{
		Paths: append([]string(nil), examplePaths...),
		Settings: FileSettings{
			Recursive:    true,
			Extensions:   append([]string(nil), defaultExtensions...),
			HashMaxBytes: 10 << 20,
		},
		Registry: RegistryConfig{
			AutorunPaths:       append([]string(nil), defaultAutorunPaths...),
			SensitiveKeys:      append([]string(nil), defaultSensitiveKeys...),
			SuspiciousPatterns: append([]string(nil), defaultPatterns...),
			Settings: RegistrySettings{
				CheckIntervalMS:        1000,
				MaxEventsPerCollection: 100,
			},
		},
		Agent: AgentConfig{
			LogMode:         "production",
			LogLevel:        "info",
			ShutdownGraceMS: 5000,
		},
		Sources: SourcesConfig{
			Filesystem: SourceToggle{Enabled: true},
			Registry:   SourceToggle{Enabled: true},
			Network:    SourceToggle{Enabled: true},
			Process:    SourceToggle{Enabled: true},
			Service:    SourceToggle{Enabled: true},
			Metrics:    SourceToggle{Enabled: true},
		},
		Correlation: CorrelationConfig{
			Workers:             4,
			QueueSize:           1024,
			WindowMS:            30000,
			SuppressionWindowMS: 15000,
			MaxKeys:             10000,
			Rules:               DefaultRules(),
		},
		Sink: SinkConfig{
			Backend:          "opensearch",
			BatchSize:        500,
			FlushIntervalMS:  2000,
			MaxAttempts:      5,
			InitialBackoffMS: 200,
			MaxBackoffMS:     5000,
			AttemptTimeoutMS: 10000,
			QueueDepth:       10000,
			OpenSearch: OpenSearchConfig{
				URL:         "http://localhost:9200",
				IndexPrefix: "xdr",
			},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "xdr.sensor",
			},
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
			MinDelta:   5,
			DiskPath:   defaultDiskPath(),
		},
	}
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// setDefaults 把 Default() 的标量和列表注册为 viper 默认值（paths 除外）
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("settings.recursive", d.Settings.Recursive)
	v.SetDefault("settings.extensions", d.Settings.Extensions)
	v.SetDefault("settings.hash_max_bytes", d.Settings.HashMaxBytes)

	v.SetDefault("registry.autorun_paths", d.Registry.AutorunPaths)
	v.SetDefault("registry.sensitive_keys", d.Registry.SensitiveKeys)
	v.SetDefault("registry.suspicious_patterns", d.Registry.SuspiciousPatterns)
	v.SetDefault("registry.settings.check_interval_ms", d.Registry.Settings.CheckIntervalMS)
	v.SetDefault("registry.settings.max_events_per_collection", d.Registry.Settings.MaxEventsPerCollection)

	v.SetDefault("agent.hostname", "")
	v.SetDefault("agent.log_mode", d.Agent.LogMode)
	v.SetDefault("agent.log_level", d.Agent.LogLevel)
	v.SetDefault("agent.shutdown_grace_ms", d.Agent.ShutdownGraceMS)

	for _, name := range []string{"filesystem", "registry", "network", "process", "service", "metrics"} {
		v.SetDefault("sources."+name+".enabled", true)
	}

	v.SetDefault("correlation.workers", d.Correlation.Workers)
	v.SetDefault("correlation.queue_size", d.Correlation.QueueSize)
	v.SetDefault("correlation.window_ms", d.Correlation.WindowMS)
	v.SetDefault("correlation.suppression_window_ms", d.Correlation.SuppressionWindowMS)
	v.SetDefault("correlation.max_keys", d.Correlation.MaxKeys)

	v.SetDefault("sink.backend", d.Sink.Backend)
	v.SetDefault("sink.batch_size", d.Sink.BatchSize)
	v.SetDefault("sink.flush_interval_ms", d.Sink.FlushIntervalMS)
	v.SetDefault("sink.max_attempts", d.Sink.MaxAttempts)
	v.SetDefault("sink.initial_backoff_ms", d.Sink.InitialBackoffMS)
	v.SetDefault("sink.max_backoff_ms", d.Sink.MaxBackoffMS)
	v.SetDefault("sink.attempt_timeout_ms", d.Sink.AttemptTimeoutMS)
	v.SetDefault("sink.queue_depth", d.Sink.QueueDepth)
	v.SetDefault("sink.opensearch.url", d.Sink.OpenSearch.URL)
	v.SetDefault("sink.opensearch.username", "")
	v.SetDefault("sink.opensearch.password", "")
	v.SetDefault("sink.opensearch.insecure", false)
	v.SetDefault("sink.opensearch.index_prefix", d.Sink.OpenSearch.IndexPrefix)
	v.SetDefault("sink.nats.url", d.Sink.NATS.URL)
	v.SetDefault("sink.nats.subject", d.Sink.NATS.Subject)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.min_delta", d.Metrics.MinDelta)
	v.SetDefault("metrics.disk_path", d.Metrics.DiskPath)
}
