// Package tracecache keeps parsed traces in memory, keyed by path,
// modification time and cost format, so a trace is parsed once per version
// of the file no matter how many requests ask for it.
package tracecache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/costfmt"
)

var _ prometheus.Collector = (*Cache)(nil)

type Key struct {
	Path    string
	ModTime int64
	Unit    costfmt.Unit
}

func (k Key) String() string {
	return k.Path + "\x00" + strconv.FormatInt(k.ModTime, 10) + "\x00" + string(k.Unit)
}

// Entry is a parsed trace plus what formatting its costs needs.
type Entry struct {
	Key     Key
	ModTime time.Time
	File    *callgrind.File
	Events  costfmt.EventUnit
}

type Cache struct {
	logger zerolog.Logger
	open   func(path string) (*callgrind.File, error)

	mu      sync.RWMutex
	entries map[Key]*Entry
	group   singleflight.Group

	hits          prometheus.Counter
	misses        prometheus.Counter
	builds        prometheus.Counter
	buildFailures prometheus.Counter
	parseSeconds  prometheus.Histogram
	entriesDesc   *prometheus.Desc
}

// New returns a Cache whose metrics are prefixed with namespace.
func New(logger zerolog.Logger, namespace string) *Cache {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		})
	}
	return &Cache{
		logger:        logger.With().Str("component", "tracecache").Logger(),
		open:          callgrind.Open,
		entries:       make(map[Key]*Entry),
		hits:          counter("hits_total", "Lookups served from memory."),
		misses:        counter("misses_total", "Lookups that had to wait for a parse."),
		builds:        counter("builds_total", "Traces parsed."),
		buildFailures: counter("build_failures_total", "Trace parses that failed."),
		parseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "parse_duration_seconds",
			Help:      "Time spent parsing one trace.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		entriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "entries"),
			"Parsed traces currently held.",
			nil, nil,
		),
	}
}

// Get returns the parsed trace at path for unit. Concurrent misses on the
// same key share one parse. If ctx ends first, Get returns ctx.Err() and the
// parse still completes for whoever else is waiting.
func (c *Cache) Get(ctx context.Context, path string, unit costfmt.Unit) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat trace: %w", err)
	}
	key := Key{Path: path, ModTime: info.ModTime().UnixNano(), Unit: unit}

	if e, ok := c.lookup(key); ok {
		c.hits.Inc()
		return e, nil
	}
	c.misses.Inc()

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.build(key, info.ModTime())
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (c *Cache) lookup(key Key) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache) build(key Key, modTime time.Time) (*Entry, error) {
	// A flight that finished between our lookup and DoChan already stored it.
	if e, ok := c.lookup(key); ok {
		return e, nil
	}

	start := time.Now()
	f, err := c.open(key.Path)
	took := time.Since(start)
	if err != nil {
		c.buildFailures.Inc()
		c.logger.Error().Err(err).Str("path", key.Path).Msg("parse trace")
		return nil, err
	}
	c.builds.Inc()
	c.parseSeconds.Observe(took.Seconds())

	e := &Entry{
		Key:     key,
		ModTime: modTime,
		File:    f,
		Events:  costfmt.EventUnitOf(f.HeaderOr("events", "")),
	}

	if !c.store(e) {
		c.logger.Debug().
			Str("path", key.Path).
			Int64("mod_time", key.ModTime).
			Msg("discarded parse of a superseded trace version")
		return e, nil
	}

	c.logger.Debug().
		Str("path", key.Path).
		Str("unit", string(key.Unit)).
		Int("functions", f.FunctionCount()).
		Dur("took", took).
		Msg("parsed trace")
	return e, nil
}

// store inserts e and evicts older versions of its path. A parse that
// finished after a newer version of the same path was stored is not kept.
func (c *Cache) store(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Path == e.Key.Path && k.ModTime > e.Key.ModTime {
			return false
		}
	}
	for k := range c.entries {
		if k.Path == e.Key.Path && k.ModTime < e.Key.ModTime {
			delete(c.entries, k)
		}
	}
	c.entries[e.Key] = e
	return true
}

// Invalidate drops every entry for path and returns how many were dropped.
func (c *Cache) Invalidate(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.Path == path {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Prune drops entries whose path is missing from present or whose
// modification time no longer matches it.
func (c *Cache) Prune(present map[string]time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		mtime, ok := present[k.Path]
		if !ok || mtime.UnixNano() != k.ModTime {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.builds
	ch <- c.buildFailures
	ch <- c.parseSeconds

	entries, err := prometheus.NewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(c.Len()))
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to create entries metric")
		return
	}
	ch <- entries
}
