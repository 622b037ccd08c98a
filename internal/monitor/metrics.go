package monitor

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// MetricsWatcher 采样系统计数器；只有相对上次上报值的变化达到 minDelta 才产生 modified
type MetricsWatcher struct {
	surface  MetricsSurface
	minDelta float64
	last     map[string]float64 // 上次上报（或基线）的值
}

func NewMetricsWatcher(surface MetricsSurface, minDelta float64) *MetricsWatcher {
	return &MetricsWatcher{surface: surface, minDelta: minDelta}
}

func (w *MetricsWatcher) Source() event.Source { return event.SourceMetrics }

func (w *MetricsWatcher) Reconfigure(cfg *config.MonitorConfig) {
	w.minDelta = cfg.Metrics.MinDelta
	if h, ok := w.surface.(interface{ SetDiskPath(string) }); ok {
		h.SetDiskPath(cfg.Metrics.DiskPath)
	}
}

func (w *MetricsWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	sample, err := w.surface.Sample(ctx)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	if w.last == nil {
		w.last = sample
		return nil, 0, nil
	}

	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)

	next := make(map[string]float64, len(sample))
	b := newBudget(w.Source(), maxEvents, now())
	for _, name := range names {
		v := sample[name]
		prev, seen := w.last[name]
		if !seen {
			// 新出现的计数器先作为基线
			next[name] = v
			continue
		}
		if math.Abs(v-prev) < w.minDelta || (w.minDelta == 0 && v == prev) {
			next[name] = prev
			continue
		}
		next[name] = v
		b.add(event.ActionModified, map[string]string{
			event.KeyCounter:  name,
			event.KeyValue:    formatFloat(v),
			event.KeyPrevious: formatFloat(prev),
		})
	}
	w.last = next
	events, dropped := b.result()
	return events, dropped, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
