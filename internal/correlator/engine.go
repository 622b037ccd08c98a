// Package correlator 对归一化事件做模式匹配和跨来源的序列关联。
//
// 事件按关联键的哈希分配到固定的 worker，同一个键的事件顺序不变，
// 每个 worker 独占自己的状态，不需要加锁。
package correlator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/matcher"
	"github.com/Hara602/xdrSensor/internal/metrics"
	"github.com/Hara602/xdrSensor/pkg/event"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

// PatternRule 模式匹配告警使用的规则名
const PatternRule = "suspicious-pattern"

var ErrClosed = errors.New("correlator closed")

// Output 接收关联引擎的全部输出
type Output interface {
	PublishEvent(ev *event.NormalizedEvent)
	PublishAlert(a *event.Alert)
}

type Options struct {
	Workers           int
	QueueSize         int
	SuppressionWindow time.Duration
	MaxKeys           int
	Rules             []SequenceRule
	FlushInterval     time.Duration    // 检查抑制窗口的周期，默认 1s
	Now               func() time.Time // 墙上时间，默认 time.Now
}

func OptionsFromConfig(cc config.CorrelationConfig) (Options, error) {
	rules, err := RulesFromConfig(cc)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Workers:           cc.Workers,
		QueueSize:         cc.QueueSize,
		SuppressionWindow: cc.SuppressionWindow(),
		MaxKeys:           cc.MaxKeys,
		Rules:             rules,
	}, nil
}

type Engine struct {
	opts    Options
	matcher atomic.Pointer[matcher.Matcher]
	out     Output
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	workers []*worker
	wg      sync.WaitGroup
}

// New 创建并启动全部 worker
func New(opts Options, m *matcher.Matcher, out Output, met *metrics.Metrics, log *zap.Logger) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{opts: opts, out: out, metrics: met, log: logging.Named(log, "correlator")}
	e.matcher.Store(m)

	horizon := time.Duration(0)
	for _, r := range opts.Rules {
		if r.Window > horizon {
			horizon = r.Window
		}
	}

	e.workers = make([]*worker, opts.Workers)
	for i := range e.workers {
		w := &worker{
			id:     i,
			engine: e,
			inbox:  make(chan *event.NormalizedEvent, opts.QueueSize),
			state: newState(horizon, opts.MaxKeys, func(d int) {
				met.CorrelationKeys.Add(float64(d))
			}),
			sup: newSuppressor(opts.SuppressionWindow, opts.Now),
		}
		e.workers[i] = w
		e.wg.Add(1)
		go w.run()
	}
	return e
}

// SetMatcher 热更新可疑模式
func (e *Engine) SetMatcher(m *matcher.Matcher) {
	e.matcher.Store(m)
}

// Submit 把事件交给负责其关联键的 worker；inbox 满时阻塞直到 ctx 结束
func (e *Engine) Submit(ctx context.Context, ev *event.NormalizedEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	w := e.workers[route(ev.RoutingKey(), len(e.workers))]
	select {
	case w.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭输入并等待 worker 处理完积压的事件、释放全部被抑制的告警
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, w := range e.workers {
		close(w.inbox)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func route(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

type worker struct {
	id     int
	engine *Engine
	inbox  chan *event.NormalizedEvent
	state  *state
	sup    *suppressor
}

func (w *worker) run() {
	defer w.engine.wg.Done()
	ticker := time.NewTicker(w.engine.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.inbox:
			if !ok {
				w.release(w.sup.drain())
				w.state.reset()
				return
			}
			w.handle(ev)
		case <-ticker.C:
			w.release(w.sup.expire(w.state.watermark))
		}
	}
}

func (w *worker) handle(ev *event.NormalizedEvent) {
	e := w.engine
	e.out.PublishEvent(ev)

	var alerts []*event.Alert

	// 1. 模式匹配
	if hits := e.matcher.Load().MatchEvent(ev); len(hits) > 0 {
		alerts = append(alerts, patternAlert(ev, matcher.Patterns(hits)))
	}

	// 2. 序列关联（事件时间）
	w.state.advance(ev.Timestamp)
	if key := ev.RoutingKey(); key != "" && relevant(e.opts.Rules, ev) {
		history := w.state.history(key)
		for _, r := range e.opts.Rules {
			if chain, ok := r.complete(history, ev); ok {
				alerts = append(alerts, sequenceAlert(r, key, chain))
			}
		}
		w.state.add(key, ev)
	}

	// 3. 抑制
	for _, a := range alerts {
		released, coalesced := w.sup.offer(a)
		if coalesced {
			e.metrics.AlertsSuppressed.WithLabelValues(a.Rule).Inc()
		}
		w.release(released)
	}
	w.release(w.sup.expire(w.state.watermark))
}

func (w *worker) release(alerts []*event.Alert) {
	e := w.engine
	for _, a := range alerts {
		e.metrics.AlertsTotal.WithLabelValues(a.Rule, a.Severity.String()).Inc()
		e.log.Info("alert",
			logging.Rule(a.Rule),
			logging.Subject(a.Subject),
			logging.Severity(a.Severity),
			logging.Worker(w.id),
			zap.Int("occurrences", a.Occurrences),
			zap.String("reason", a.Reason),
		)
		e.out.PublishAlert(a)
	}
}

func patternAlert(ev *event.NormalizedEvent, patterns []string) *event.Alert {
	sev := event.SeverityHigh
	if ev.Severity > sev {
		sev = ev.Severity
	}
	return &event.Alert{
		ID:          uuid.NewString(),
		Rule:        PatternRule,
		Kind:        event.AlertKindPattern,
		Patterns:    patterns,
		Subject:     ev.Subject,
		Severity:    sev,
		Reason:      fmt.Sprintf("%s event matched suspicious pattern(s): %s", ev.Source, strings.Join(patterns, ", ")),
		Events:      []*event.NormalizedEvent{ev},
		Occurrences: 1,
		FirstSeen:   ev.Timestamp,
		LastSeen:    ev.Timestamp,
	}
}

func sequenceAlert(r SequenceRule, key string, chain []*event.NormalizedEvent) *event.Alert {
	steps := make([]string, len(chain))
	for i, ev := range chain {
		steps[i] = string(ev.Source) + " " + string(ev.Action)
	}
	first, last := chain[0], chain[len(chain)-1]
	return &event.Alert{
		ID:          uuid.NewString(),
		Rule:        r.Name,
		Kind:        event.AlertKindSequence,
		Subject:     key,
		Severity:    r.Severity,
		Reason:      fmt.Sprintf("%s within %s on %s", strings.Join(steps, " -> "), last.Timestamp.Sub(first.Timestamp), key),
		Events:      chain,
		Occurrences: 1,
		FirstSeen:   first.Timestamp,
		LastSeen:    last.Timestamp,
	}
}
