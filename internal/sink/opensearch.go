package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/correlator"
	"github.com/Hara602/xdrSensor/pkg/event"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// 每种来源一个索引，告警单独一个索引
var sourceIndex = map[event.Source]string{
	event.SourceFilesystem: "file_events",
	event.SourceRegistry:   "registry_events",
	event.SourceNetwork:    "network_events",
	event.SourceProcess:    "process_events",
	event.SourceService:    "service_events",
	event.SourceMetrics:    "system_metrics",
}

const (
	alertIndex              = "alerts"
	suspiciousRegistryIndex = "suspicious_registry_operations"
)

// IndexFor 返回记录写入的索引名
func IndexFor(prefix string, r Record) string {
	name := "events"
	switch r.Kind {
	case KindAlert:
		name = alertIndex
		// 注册表上的模式命中单独归档，便于排查持久化
		if r.Alert.Rule == correlator.PatternRule && len(r.Alert.Events) > 0 &&
			r.Alert.Events[0].Source == event.SourceRegistry {
			name = suspiciousRegistryIndex
		}
	case KindEvent:
		if n, ok := sourceIndex[r.Event.Source]; ok {
			name = n
		}
	}
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// OpenSearchBackend 通过 _bulk 接口写入；文档 ID 就是事件/告警 ID，重试不会产生重复文档
type OpenSearchBackend struct {
	client *opensearch.Client
	prefix string
	log    *zap.Logger
}

func NewOpenSearchBackend(cfg config.OpenSearchConfig, log *zap.Logger) (*OpenSearchBackend, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // 由配置显式开启

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}
	return &OpenSearchBackend{
		client: client,
		prefix: cfg.IndexPrefix,
		log:    logging.Named(log, "opensearch"),
	}, nil
}

func (b *OpenSearchBackend) Name() string { return "opensearch" }

// Ping 检查集群是否可达
func (b *OpenSearchBackend) Ping(ctx context.Context) error {
	res, err := b.client.Info(b.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect to opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned %s", res.Status())
	}
	return nil
}

func (b *OpenSearchBackend) Ingest(ctx context.Context, batch []Record) error {
	// 先序列化，序列化失败重试也没有意义
	docs := make([][]byte, len(batch))
	size := 0
	for i, r := range batch {
		data, err := json.Marshal(r.Document())
		if err != nil {
			return backoff.Permanent(&SinkError{Backend: b.Name(), Records: len(batch), Err: fmt.Errorf("marshal %s %s: %w", r.Kind, r.ID(), err)})
		}
		docs[i] = data
		size += len(data)
	}

	// worker 自己触发的 flush 用的是 context.Background()，
	// 这里让整批都留到 Close(ctx) 里发出，请求才受 ctx 的超时约束
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        b.client,
		NumWorkers:    1,
		FlushBytes:    2*size + (1 << 20),
		FlushInterval: 24 * time.Hour,
	})
	if err != nil {
		return &SinkError{Backend: b.Name(), Records: len(batch), Err: err}
	}

	var (
		mu      sync.Mutex
		reasons []string
	)
	onFailure := func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			reasons = append(reasons, err.Error())
			return
		}
		reasons = append(reasons, fmt.Sprintf("%s %s: %s", item.Index, res.Error.Type, res.Error.Reason))
	}

	for i, r := range batch {
		err := bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Index:      IndexFor(b.prefix, r),
			Action:     "index",
			DocumentID: r.ID(),
			Body:       bytes.NewReader(docs[i]),
			OnFailure:  onFailure,
		})
		if err != nil {
			_ = bi.Close(ctx)
			return &SinkError{Backend: b.Name(), Records: len(batch), Err: fmt.Errorf("add to bulk indexer: %w", err)}
		}
	}
	if err := bi.Close(ctx); err != nil {
		return &SinkError{Backend: b.Name(), Records: len(batch), Err: err}
	}

	if n := bi.Stats().NumFailed; n > 0 {
		mu.Lock()
		defer mu.Unlock()
		b.log.Debug("bulk items failed", zap.Uint64("failed", n), zap.Strings("reasons", reasons))
		return &SinkError{
			Backend: b.Name(),
			Records: len(batch),
			Err:     fmt.Errorf("%d of %d items failed: %s", n, len(batch), strings.Join(firstN(reasons, 3), "; ")),
		}
	}
	return nil
}

func (b *OpenSearchBackend) Close() error { return nil }

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
