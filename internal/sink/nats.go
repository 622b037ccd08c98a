package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// Publisher 是 *nats.Conn 中用到的部分
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSBackend 把每条记录以 JSON 发布到 <subject>.<kind>
type NATSBackend struct {
	pub     Publisher
	subject string
}

func DialNATS(cfg config.NATSConfig, log *zap.Logger) (*NATSBackend, error) {
	log = logging.Named(log, "nats")
	conn, err := nats.Connect(cfg.URL,
		nats.Name("xdr-sensor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSBackend(conn, cfg.Subject), nil
}

func NewNATSBackend(pub Publisher, subject string) *NATSBackend {
	return &NATSBackend{pub: pub, subject: subject}
}

func (b *NATSBackend) Name() string { return "nats" }

func (b *NATSBackend) Ingest(ctx context.Context, batch []Record) error {
	for _, r := range batch {
		data, err := json.Marshal(r.Document())
		if err != nil {
			return backoff.Permanent(&SinkError{Backend: b.Name(), Records: len(batch), Err: err})
		}
		msg := nats.NewMsg(b.subject + "." + string(r.Kind))
		msg.Header.Set("Nats-Msg-Id", r.ID())
		msg.Header.Set("Severity", r.Severity().String())
		msg.Data = data
		if err := b.pub.PublishMsg(msg); err != nil {
			return &SinkError{Backend: b.Name(), Records: len(batch), Err: err}
		}
	}
	// Flush 确认服务端收到了整批
	if err := b.pub.FlushWithContext(ctx); err != nil {
		return &SinkError{Backend: b.Name(), Records: len(batch), Err: err}
	}
	return nil
}

func (b *NATSBackend) Close() error {
	b.pub.Close()
	return nil
}
