package tracecache_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/costfmt"
	"github.com/Emyrk/grindview/grind/tracecache"
)

const trace = `version: 1
cmd: /app.php

events: Time_(10ns)

fn=main
1 100
`

func writeTrace(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(trace), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestGetCachesByKey(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	path := writeTrace(t, t.TempDir(), "cachegrind.out.1", time.Now())
	ctx := context.Background()

	a, err := c.Get(ctx, path, costfmt.Percent)
	require.NoError(t, err)
	require.Equal(t, costfmt.EventTenNanoseconds, a.Events)
	require.Equal(t, 1, a.File.FunctionCount())

	b, err := c.Get(ctx, path, costfmt.Percent)
	require.NoError(t, err)
	require.Same(t, a, b)

	// A different cost format is a different key.
	m, err := c.Get(ctx, path, costfmt.Msec)
	require.NoError(t, err)
	require.NotSame(t, a, m)
	require.Equal(t, 2, c.Len())

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	dump := RegistryDump(reg)
	require.Contains(t, dump, "test_cache_hits_total 1")
	require.Contains(t, dump, "test_cache_misses_total 2")
	require.Contains(t, dump, "test_cache_builds_total 2")
}

func TestGetNewerModTimeReplaces(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	path := writeTrace(t, dir, "cachegrind.out.1", old)
	ctx := context.Background()

	first, err := c.Get(ctx, path, costfmt.Percent)
	require.NoError(t, err)

	writeTrace(t, dir, "cachegrind.out.1", time.Now())
	second, err := c.Get(ctx, path, costfmt.Percent)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 1, c.Len())
}

func TestGetSupersededParseNotStored(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	dir := t.TempDir()
	path := writeTrace(t, dir, "cachegrind.out.1", time.Now().Add(-time.Hour))

	// Only the first parse stalls.
	var parses atomic.Int32
	release := make(chan struct{})
	c.SetOpener(func(p string) (*callgrind.File, error) {
		if parses.Add(1) == 1 {
			<-release
		}
		return callgrind.Open(p)
	})

	staleDone := make(chan *tracecache.Entry, 1)
	go func() {
		e, err := c.Get(context.Background(), path, costfmt.Percent)
		assert.NoError(t, err)
		staleDone <- e
	}()
	require.Eventually(t, func() bool { return parses.Load() == 1 }, time.Second, 5*time.Millisecond)

	writeTrace(t, dir, "cachegrind.out.1", time.Now())
	fresh, err := c.Get(context.Background(), path, costfmt.Percent)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	close(release)
	stale := <-staleDone
	require.NotNil(t, stale)
	require.Less(t, stale.Key.ModTime, fresh.Key.ModTime)
	require.Equal(t, 1, c.Len())

	again, err := c.Get(context.Background(), path, costfmt.Percent)
	require.NoError(t, err)
	require.Same(t, fresh, again)
	require.EqualValues(t, 2, parses.Load())
}

func TestGetConcurrentMissesShareOneParse(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	path := writeTrace(t, t.TempDir(), "cachegrind.out.1", time.Now())

	var parses atomic.Int32
	release := make(chan struct{})
	c.SetOpener(func(p string) (*callgrind.File, error) {
		parses.Add(1)
		<-release
		return callgrind.Open(p)
	})

	const callers = 8
	results := make([]*tracecache.Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(context.Background(), path, costfmt.Percent)
			assert.NoError(t, err)
			results[i] = e
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, parses.Load())
	for _, e := range results {
		require.Same(t, results[0], e)
	}
}

func TestGetFailureNotCached(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	dir := t.TempDir()
	path := filepath.Join(dir, "cachegrind.out.bad")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n\nfn=main\n1 1\n"), 0o600))

	_, err := c.Get(context.Background(), path, costfmt.Percent)
	require.ErrorIs(t, err, callgrind.ErrParse)
	require.Equal(t, 0, c.Len())

	_, err = c.Get(context.Background(), filepath.Join(dir, "missing"), costfmt.Percent)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestGetContextCanceled(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	path := writeTrace(t, t.TempDir(), "cachegrind.out.1", time.Now())

	release := make(chan struct{})
	defer close(release)
	c.SetOpener(func(p string) (*callgrind.File, error) {
		<-release
		return callgrind.Open(p)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, path, costfmt.Percent)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidateAndPrune(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "test")
	dir := t.TempDir()
	now := time.Now().Truncate(time.Second)
	a := writeTrace(t, dir, "cachegrind.out.a", now)
	b := writeTrace(t, dir, "cachegrind.out.b", now)
	ctx := context.Background()

	for _, p := range []string{a, b} {
		for _, u := range []costfmt.Unit{costfmt.Percent, costfmt.Usec} {
			_, err := c.Get(ctx, p, u)
			require.NoError(t, err)
		}
	}
	require.Equal(t, 4, c.Len())

	require.Equal(t, 2, c.Invalidate(a))
	require.Equal(t, 2, c.Len())

	infoB, err := os.Stat(b)
	require.NoError(t, err)
	require.Equal(t, 0, c.Prune(map[string]time.Time{b: infoB.ModTime()}))
	require.Equal(t, 2, c.Prune(map[string]time.Time{b: infoB.ModTime().Add(time.Second)}))
	require.Equal(t, 0, c.Len())
}

func TestCollector(t *testing.T) {
	c := tracecache.New(zerolog.Nop(), "grindview")
	path := writeTrace(t, t.TempDir(), "cachegrind.out.1", time.Now())
	_, err := c.Get(context.Background(), path, costfmt.Percent)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	dump := RegistryDump(reg)
	require.Contains(t, dump, "grindview_cache_entries 1")
	require.Contains(t, dump, "grindview_cache_builds_total 1")
	require.Contains(t, dump, "grindview_cache_parse_duration_seconds_count 1")
}

func RegistryDump(reg prometheus.Gatherer) string {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return string(data)
}
