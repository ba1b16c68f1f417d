package grind

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind/tracecache"
)

var _ prometheus.Collector = (*Watcher)(nil)

// Watcher polls the profiler directory, drops cache entries of traces that
// changed or disappeared and tells subscribers about new trace lists.
type Watcher struct {
	svc      *Service
	cache    *tracecache.Cache
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	last    map[string]time.Time
	latest  []TraceInfo
	subs    map[int]chan []TraceInfo
	nextSub int

	traces      prometheus.Gauge
	lastUpdated prometheus.Gauge
}

func NewWatcher(svc *Service, namespace string, logger zerolog.Logger) *Watcher {
	interval := svc.Config().ScanInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		svc:      svc,
		cache:    svc.cache,
		interval: interval,
		logger:   logger.With().Str("component", "watcher").Logger(),
		subs:     make(map[int]chan []TraceInfo),
		traces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "traces",
			Help:      "Traces found in the profiler directory on the last scan.",
		}),
		lastUpdated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "last_scan_unix_s",
			Help:      "Timestamp in unix seconds of the last successful scan.",
		}),
	}
}

func (w *Watcher) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(w, descs)
}

func (w *Watcher) Collect(ch chan<- prometheus.Metric) {
	ch <- w.traces
	ch <- w.lastUpdated
}

// Watch scans until ctx is done.
func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		changed, err := w.Scan(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("scan profiler dir")
		} else if changed {
			w.logger.Debug().Msg("trace list changed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Scan lists the traces once. It reports whether the list differs from the
// previous scan, in which case subscribers are notified.
func (w *Watcher) Scan(ctx context.Context) (bool, error) {
	traces, err := w.svc.ListTraces(ctx)
	if err != nil {
		return false, err
	}

	present := make(map[string]time.Time, len(traces))
	byPath := make(map[string]time.Time, len(traces))
	for _, t := range traces {
		present[t.Filename] = t.ModTime
		byPath[t.Path] = t.ModTime
	}
	pruned := w.cache.Prune(byPath)

	w.traces.Set(float64(len(traces)))
	w.lastUpdated.Set(float64(time.Now().Unix()))

	w.mu.Lock()
	defer w.mu.Unlock()
	changed := w.last == nil || !sameTraces(w.last, present)
	w.last = present
	w.latest = traces
	if changed {
		for _, ch := range w.subs {
			offer(ch, traces)
		}
	}

	w.logger.Debug().
		Int("traces", len(traces)).
		Int("pruned", pruned).
		Bool("changed", changed).
		Msg("scan complete")
	return changed, nil
}

func sameTraces(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for name, mtime := range a {
		other, ok := b[name]
		if !ok || !other.Equal(mtime) {
			return false
		}
	}
	return true
}

// offer replaces whatever the subscriber has not read yet with traces.
func offer(ch chan []TraceInfo, traces []TraceInfo) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- traces:
	default:
	}
}

// Subscribe returns a channel that receives the current trace list, if a
// scan has happened, and every changed list after it. Slow readers only see
// the most recent list. Call the returned func to unsubscribe.
func (w *Watcher) Subscribe() (<-chan []TraceInfo, func()) {
	ch := make(chan []TraceInfo, 1)

	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	if w.latest != nil {
		ch <- w.latest
	}
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}
