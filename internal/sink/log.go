package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/pkg/logging"
)

// LogBackend 把记录写到日志，用于没有后端的调试环境
type LogBackend struct {
	log *zap.Logger
}

func NewLogBackend(log *zap.Logger) *LogBackend {
	return &LogBackend{log: logging.Named(log, "records")}
}

func (b *LogBackend) Name() string { return "log" }

func (b *LogBackend) Ingest(ctx context.Context, batch []Record) error {
	for _, r := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch r.Kind {
		case KindAlert:
			b.log.Info("alert",
				zap.String("id", r.Alert.ID),
				logging.Rule(r.Alert.Rule),
				logging.Subject(r.Alert.Subject),
				logging.Severity(r.Alert.Severity),
				zap.Int("occurrences", r.Alert.Occurrences),
				zap.String("reason", r.Alert.Reason),
			)
		default:
			b.log.Debug("event",
				zap.String("id", r.Event.ID),
				logging.Source(r.Event.Source),
				logging.Subject(r.Event.Subject),
				zap.String("action", string(r.Event.Action)),
				logging.Severity(r.Event.Severity),
			)
		}
	}
	return nil
}

func (b *LogBackend) Close() error { return nil }
