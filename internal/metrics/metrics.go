// Package metrics 定义传感器的 Prometheus 指标。
// 丢弃和错过周期的计数必须可观测，所以所有组件都通过这里上报。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "xdr_sensor"

// 丢弃原因
const (
	ReasonCap     = "cap"
	ReasonInbox   = "correlator_inbox"
	ReasonWatcher = "watcher"
)

type Metrics struct {
	registry *prometheus.Registry

	// 采集
	EventsCollected *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	MissedCycles    *prometheus.CounterVec
	WatcherErrors   *prometheus.CounterVec
	CollectDuration *prometheus.HistogramVec

	// 关联
	AlertsTotal      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	CorrelationKeys  prometheus.Gauge

	// sink
	SinkQueueDepth     prometheus.Gauge
	SinkBatches        *prometheus.CounterVec
	SinkRetries        prometheus.Counter
	SinkRecordsDropped *prometheus.CounterVec
	SinkRecordsLost    *prometheus.CounterVec
	SinkDuration       prometheus.Histogram
}

// New 在独立的 registry 上注册全部指标，测试之间互不影响
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsCollected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_collected_total",
			Help:      "Raw events forwarded by watchers",
		}, []string{"source"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded before correlation",
		}, []string{"source", "reason"}),
		MissedCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_cycles_total",
			Help:      "Scheduler ticks skipped because the previous collection was still running",
		}, []string{"source"}),
		WatcherErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_errors_total",
			Help:      "Failed collection cycles",
		}, []string{"source"}),
		CollectDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_duration_seconds",
			Help:      "Duration of one collection cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts released by the correlator",
		}, []string{"rule", "severity"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alert triggers coalesced into an already open alert",
		}, []string{"rule"}),
		CorrelationKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_keys",
			Help:      "Correlation keys currently held in sequence state",
		}),

		SinkQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queue_depth",
			Help:      "Records waiting in the sink queue",
		}),
		SinkBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_batches_total",
			Help:      "Batches handed to the backend",
		}, []string{"status"}),
		SinkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Backend ingest retries",
		}),
		SinkRecordsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_records_dropped_total",
			Help:      "Records evicted from a full sink queue",
		}, []string{"kind"}),
		SinkRecordsLost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_records_lost_total",
			Help:      "Records in batches that exhausted all retries",
		}, []string{"kind"}),
		SinkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_ingest_duration_seconds",
			Help:      "Duration of a backend ingest call",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve 启动指标 HTTP 服务，ctx 取消后优雅关闭
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if log != nil {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
