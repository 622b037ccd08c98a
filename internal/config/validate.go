package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// ConfigError 配置非法，启动阶段致命
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid config: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Errors 返回聚合前的每一条字段错误
func (e *ConfigError) Errors() []error {
	return multierr.Errors(e.Err)
}

// IsConfigError 判断 err 链上是否有 *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Validate 检查所有字段，一次性报告全部问题
func (c *MonitorConfig) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// 1. 文件监控
	if len(c.Paths) == 0 {
		add("paths: at least one watched path is required")
	}
	for i, p := range c.Paths {
		if strings.TrimSpace(p) == "" {
			add("paths[%d]: empty path", i)
		}
	}
	for i, ext := range c.Settings.Extensions {
		if len(ext) < 2 || !strings.HasPrefix(ext, ".") {
			add("settings.extensions[%d]: %q must be a dotted extension", i, ext)
		}
	}
	if c.Settings.HashMaxBytes < 0 {
		add("settings.hash_max_bytes: must be >= 0")
	}

	// 2. 注册表和采集节奏
	for i, k := range c.Registry.AutorunPaths {
		if strings.TrimSpace(k) == "" {
			add("registry.autorun_paths[%d]: empty key", i)
		}
	}
	for i, k := range c.Registry.SensitiveKeys {
		if strings.TrimSpace(k) == "" {
			add("registry.sensitive_keys[%d]: empty key", i)
		}
	}
	for i, p := range c.Registry.SuspiciousPatterns {
		if strings.TrimSpace(p) == "" {
			add("registry.suspicious_patterns[%d]: empty pattern", i)
		}
	}
	positive(&errs, "registry.settings.check_interval_ms", c.Registry.Settings.CheckIntervalMS)
	positive(&errs, "registry.settings.max_events_per_collection", c.Registry.Settings.MaxEventsPerCollection)

	// 3. agent
	switch c.Agent.LogMode {
	case "development", "production":
	default:
		add("agent.log_mode: %q must be development or production", c.Agent.LogMode)
	}
	switch strings.ToLower(c.Agent.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("agent.log_level: unknown level %q", c.Agent.LogLevel)
	}
	positive(&errs, "agent.shutdown_grace_ms", c.Agent.ShutdownGraceMS)

	// 4. 关联
	positive(&errs, "correlation.workers", c.Correlation.Workers)
	positive(&errs, "correlation.queue_size", c.Correlation.QueueSize)
	positive(&errs, "correlation.window_ms", c.Correlation.WindowMS)
	positive(&errs, "correlation.suppression_window_ms", c.Correlation.SuppressionWindowMS)
	positive(&errs, "correlation.max_keys", c.Correlation.MaxKeys)
	errs = multierr.Append(errs, validateRules(c.Correlation.Rules))

	// 5. sink
	switch c.Sink.Backend {
	case "opensearch":
		if c.Sink.OpenSearch.URL == "" {
			add("sink.opensearch.url: required for opensearch backend")
		}
	case "nats":
		if c.Sink.NATS.URL == "" {
			add("sink.nats.url: required for nats backend")
		}
		if c.Sink.NATS.Subject == "" {
			add("sink.nats.subject: required for nats backend")
		}
	case "log":
	default:
		add("sink.backend: %q must be opensearch, nats or log", c.Sink.Backend)
	}
	positive(&errs, "sink.batch_size", c.Sink.BatchSize)
	positive(&errs, "sink.flush_interval_ms", c.Sink.FlushIntervalMS)
	positive(&errs, "sink.max_attempts", c.Sink.MaxAttempts)
	positive(&errs, "sink.initial_backoff_ms", c.Sink.InitialBackoffMS)
	positive(&errs, "sink.queue_depth", c.Sink.QueueDepth)
	positive(&errs, "sink.attempt_timeout_ms", c.Sink.AttemptTimeoutMS)
	if c.Sink.MaxBackoffMS < c.Sink.InitialBackoffMS {
		add("sink.max_backoff_ms: must be >= initial_backoff_ms")
	}

	// 6. metrics
	if c.Metrics.MinDelta < 0 {
		add("metrics.min_delta: must be >= 0")
	}

	if errs != nil {
		return &ConfigError{Err: errs}
	}
	return nil
}

func positive(errs *error, field string, v int) {
	if v < 1 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: must be >= 1, got %d", field, v))
	}
}

func validateRules(rules []SequenceRuleConfig) error {
	var errs error
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		prefix := fmt.Sprintf("correlation.rules[%d]", i)
		if r.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s.name: required", prefix))
		} else if _, dup := seen[r.Name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s.name: duplicate rule %q", prefix, r.Name))
		}
		seen[r.Name] = struct{}{}

		if _, err := event.ParseSeverity(r.Severity); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s.severity: %w", prefix, err))
		}
		if r.WindowMS < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s.window_ms: must be >= 0", prefix))
		}
		if len(r.Steps) < 2 {
			errs = multierr.Append(errs, fmt.Errorf("%s.steps: a sequence needs at least 2 steps", prefix))
		}
		for j, st := range r.Steps {
			if _, err := event.ParseSource(st.Source); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.steps[%d].source: %w", prefix, j, err))
			}
			if len(st.Actions) == 0 {
				errs = multierr.Append(errs, fmt.Errorf("%s.steps[%d].actions: required", prefix, j))
			}
			for _, a := range st.Actions {
				if _, err := event.ParseAction(a); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s.steps[%d].actions: %w", prefix, j, err))
				}
			}
		}
	}
	return errs
}
