package grind_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/grindview/grind"
)

func TestWatcherScan(t *testing.T) {
	h := withFixtures(t)
	ctx := context.Background()
	w := grind.NewWatcher(h.svc, "test", zerolog.Nop())

	changed, err := w.Scan(ctx)
	require.NoError(t, err)
	require.True(t, changed, "first scan always counts as a change")

	updates, unsubscribe := w.Subscribe()
	defer unsubscribe()
	first := <-updates
	require.Len(t, first, 2)

	changed, err = w.Scan(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	select {
	case <-updates:
		t.Fatal("unchanged scan must not notify")
	default:
	}

	// Parse a trace, then touch it: the next scan drops the stale entry.
	_, err = h.svc.FunctionList(ctx, grind.FunctionListRequest{File: "cachegrind.out.xdebug2"})
	require.NoError(t, err)
	require.Equal(t, 1, h.cache.Len())
	path := filepath.Join(h.dir, "cachegrind.out.xdebug2")
	later := newerTime.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	changed, err = w.Scan(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 0, h.cache.Len())
	next := <-updates
	require.Equal(t, "cachegrind.out.xdebug2", next[0].Filename)

	require.NoError(t, os.Remove(path))
	changed, err = w.Scan(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, <-updates, 1)

	reg := prometheus.NewRegistry()
	reg.MustRegister(w)
	count, err := testutil.GatherAndCount(reg, "test_watcher_traces")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWatcherUnsubscribe(t *testing.T) {
	h := withFixtures(t)
	w := grind.NewWatcher(h.svc, "test", zerolog.Nop())

	updates, unsubscribe := w.Subscribe()
	unsubscribe()
	unsubscribe()

	_, err := w.Scan(context.Background())
	require.NoError(t, err)
	select {
	case <-updates:
		t.Fatal("unsubscribed channel received an update")
	default:
	}
}

func TestWatcherWatchStops(t *testing.T) {
	h := withFixtures(t)
	w := grind.NewWatcher(h.svc, "test", zerolog.Nop())
	updates, unsubscribe := w.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Watch(ctx)
		close(done)
	}()

	select {
	case list := <-updates:
		require.Len(t, list, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial scan")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}
