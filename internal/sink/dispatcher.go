package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/metrics"
	"github.com/Hara602/xdrSensor/pkg/event"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

var ErrClosed = errors.New("sink dispatcher closed")

type Options struct {
	BatchSize      int
	QueueDepth     int
	FlushInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func OptionsFromConfig(sc config.SinkConfig) Options {
	return Options{
		BatchSize:      sc.BatchSize,
		QueueDepth:     sc.QueueDepth,
		FlushInterval:  sc.FlushInterval(),
		MaxAttempts:    sc.MaxAttempts,
		InitialBackoff: sc.InitialBackoff(),
		MaxBackoff:     sc.MaxBackoff(),
		AttemptTimeout: sc.AttemptTimeout(),
	}
}

// Dispatcher 实现 correlator.Output：入队不阻塞，由单个 goroutine 串行写后端
type Dispatcher struct {
	opts    Options
	backend Backend
	q       *queue
	metrics *metrics.Metrics
	log     *zap.Logger

	// 发送使用的 ctx，Close 超时后取消以中断重试
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	done    chan struct{}
}

func NewDispatcher(opts Options, backend Backend, met *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.QueueDepth < opts.BatchSize {
		opts.QueueDepth = opts.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:    opts,
		backend: backend,
		q:       newQueue(opts.QueueDepth, opts.BatchSize),
		metrics: met,
		log:     logging.Named(log, "sink").With(zap.String("backend", backend.Name())),
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) PublishEvent(ev *event.NormalizedEvent) {
	d.Enqueue(EventRecord(ev))
}

func (d *Dispatcher) PublishAlert(a *event.Alert) {
	d.Enqueue(AlertRecord(a))
}

// Enqueue 放入队列；关闭后返回 ErrClosed
func (d *Dispatcher) Enqueue(r Record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.SinkRecordsDropped.WithLabelValues(string(r.Kind)).Inc()
		return ErrClosed
	}

	if dropped := d.q.push(r); dropped != nil {
		d.metrics.SinkRecordsDropped.WithLabelValues(string(dropped.Kind)).Inc()
		d.log.Warn("sink queue full, record dropped",
			zap.String("kind", string(dropped.Kind)),
			logging.Severity(dropped.Severity()),
		)
	}
	d.metrics.SinkQueueDepth.Set(float64(d.q.len()))
	return nil
}

// Close 停止接收并把队列里剩下的记录全部写出，受 ctx 约束。
// ctx 结束时中断正在进行的重试，未写出的记录计为丢失。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.closing)
	d.mu.Unlock()

	var err error
	select {
	case <-d.done:
	case <-ctx.Done():
		d.cancel()
		<-d.done
		err = ctx.Err()
	}
	d.cancel()
	if cerr := d.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.q.ready:
			// 只发满批，剩下的等下一次通知或定时器
			for d.q.len() >= d.opts.BatchSize {
				d.send(d.q.pop(d.opts.BatchSize))
			}
		case <-ticker.C:
			d.flush()
		case <-d.closing:
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		batch := d.q.pop(d.opts.BatchSize)
		if len(batch) == 0 {
			return
		}
		d.send(batch)
	}
}

func (d *Dispatcher) send(batch []Record) {
	d.metrics.SinkQueueDepth.Set(float64(d.q.len()))

	attempt := 0
	op := func() error {
		attempt++
		// 后端只建立连接不应答时，靠单次超时把它变成可重试的失败
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.AttemptTimeout)
		err := d.backend.Ingest(ctx, batch)
		cancel()
		if err != nil && d.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), d.ctx)

	start := time.Now()
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		d.metrics.SinkRetries.Inc()
		d.log.Warn("ingest failed, retrying",
			logging.Attempt(attempt),
			logging.Batch(len(batch)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	d.metrics.SinkDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		d.metrics.SinkBatches.WithLabelValues("ok").Inc()
		return
	}

	d.metrics.SinkBatches.WithLabelValues("lost").Inc()
	counts := make(map[Kind]int, 2)
	for _, r := range batch {
		counts[r.Kind]++
	}
	for k, n := range counts {
		d.metrics.SinkRecordsLost.WithLabelValues(string(k)).Add(float64(n))
	}
	d.log.Error("batch lost after retries",
		logging.Attempt(attempt),
		logging.Batch(len(batch)),
		zap.Error(err),
	)
}
