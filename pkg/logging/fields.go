package logging

import (
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// 统一的字段名，便于在后端按字段检索日志
const (
	FieldSource   = "source"
	FieldSubject  = "subject"
	FieldRule     = "rule"
	FieldSeverity = "severity"
	FieldDropped  = "dropped"
	FieldMissed   = "missed_cycles"
	FieldAttempt  = "attempt"
	FieldBatch    = "batch_size"
	FieldWorker   = "worker"
)

func Source(s event.Source) zap.Field {
	return zap.String(FieldSource, string(s))
}

func Subject(s string) zap.Field {
	return zap.String(FieldSubject, s)
}

func Rule(name string) zap.Field {
	return zap.String(FieldRule, name)
}

func Severity(s event.Severity) zap.Field {
	return zap.Stringer(FieldSeverity, s)
}

func Dropped(n int) zap.Field {
	return zap.Int(FieldDropped, n)
}

func Missed(n uint64) zap.Field {
	return zap.Uint64(FieldMissed, n)
}

func Attempt(n int) zap.Field {
	return zap.Int(FieldAttempt, n)
}

func Batch(n int) zap.Field {
	return zap.Int(FieldBatch, n)
}

func Worker(id int) zap.Field {
	return zap.Int(FieldWorker, id)
}
