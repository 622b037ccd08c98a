package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 全局日志对象，InitLogger 之前是 Nop，避免测试或库调用时空指针
var Logger = zap.NewNop()

// InitLogger 初始化日志组件
// mode: "development" 或 "production"
// level: "debug", "info", "warn", "error"
func InitLogger(mode string, level string) error {
	var config zap.Config

	// 1. 根据模式选择配置
	if mode == "production" {
		// 生产环境：JSON 格式，便于后端采集
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "@timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		// 开发环境：Console 格式，便于人阅读
		config = zap.NewDevelopmentConfig()
	}

	// 2. 解析日志级别；非法级别直接报错，而不是悄悄回退
	if level != "" {
		var zapLevel zapcore.Level
		if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(zapLevel)
	}

	// 3. 构建 Logger
	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	Logger = l
	zap.ReplaceGlobals(l)
	return nil
}

// Named 返回带组件名的子 logger；l 为空时使用全局 Logger
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = Logger
	}
	return l.Named(name)
}

// CloseLogger 确保程序退出时，所有缓冲区的日志都被写入
func CloseLogger() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
