package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/config"
	"github.com/Emyrk/grindview/grind/httpapi"
	"github.com/Emyrk/grindview/grind/tracecache"
	"github.com/Emyrk/grindview/grind/tracefs"
)

type fixture struct {
	srv     *httptest.Server
	svc     *grind.Service
	watcher *grind.Watcher
	dir     string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupWith(t, nil)
}

func setupWith(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir, storage := t.TempDir(), t.TempDir()
	cfg := config.Default()
	cfg.ProfilerDir = dir
	cfg.StorageDir = storage
	if mutate != nil {
		mutate(&cfg)
	}

	for i, name := range []string{"cachegrind.out.xdebug2", "cachegrind.out.xdebug3"} {
		data, err := os.ReadFile(filepath.Join("..", "callgrind", "testdata", name))
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		mtime := time.Unix(1700000000+int64(i)*60, 0)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	store, err := tracefs.New(cfg.ProfilerDir, cfg.StorageDir, cfg.OutputPattern)
	require.NoError(t, err)
	cache := tracecache.New(zerolog.Nop(), "test")
	svc, err := grind.NewService(cfg, store, cache, zerolog.Nop())
	require.NoError(t, err)
	watcher := grind.NewWatcher(svc, "test", zerolog.Nop())

	reg := prometheus.NewRegistry()
	reg.MustRegister(cache, watcher)

	api, err := httpapi.New(httpapi.Config{
		Service:  svc,
		Watcher:  watcher,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, svc: svc, watcher: watcher, dir: dir}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestFileList(t *testing.T) {
	f := setup(t)
	resp, body := f.get(t, "/api/file_list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var traces []map[string]any
	require.NoError(t, json.Unmarshal(body, &traces))
	require.Len(t, traces, 2)
	require.Equal(t, "cachegrind.out.xdebug3", traces[0]["filename"])
	require.Equal(t, "/srv/app.php", traces[0]["invokeUrl"])
}

func TestFunctionList(t *testing.T) {
	f := setup(t)
	resp, body := f.get(t, "/api/function_list?dataFile=cachegrind.out.xdebug2&showFraction=1&hideInternals=1&costFormat=percent")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var list struct {
		DataFile  string `json:"dataFile"`
		Functions []struct {
			Nr        int    `json:"nr"`
			Name      string `json:"functionName"`
			HumanKind string `json:"humanKind"`
		} `json:"functions"`
		Breakdown map[string]int64 `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, "cachegrind.out.xdebug2", list.DataFile)
	require.Len(t, list.Functions, 3)
	require.Equal(t, "{main}", list.Functions[0].Name)
	require.Equal(t, 3, list.Functions[0].Nr)
	require.EqualValues(t, 2, list.Breakdown["internal"])
}

func TestErrorStatuses(t *testing.T) {
	f := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "cachegrind.out.broken"), []byte("version: 1\nevents: Time\n\ncfn=x\n"), 0o600))

	testCases := []struct {
		Name   string
		Path   string
		Status int
	}{
		{Name: "MissingTrace", Path: "/api/function_list?dataFile=cachegrind.out.nope", Status: http.StatusNotFound},
		{Name: "Traversal", Path: "/api/function_list?dataFile=..%2Fsecret", Status: http.StatusBadRequest},
		{Name: "ParseError", Path: "/api/function_list?dataFile=cachegrind.out.broken", Status: http.StatusUnprocessableEntity},
		{Name: "BadFraction", Path: "/api/function_list?showFraction=lots", Status: http.StatusBadRequest},
		{Name: "BadOrdinal", Path: "/api/callinfo_list?file=cachegrind.out.xdebug2&functionNr=x", Status: http.StatusBadRequest},
		{Name: "OrdinalOutOfRange", Path: "/api/callinfo_list?file=cachegrind.out.xdebug2&functionNr=99", Status: http.StatusBadRequest},
		{Name: "DownloadMissing", Path: "/api/download_file?file=cachegrind.out.nope", Status: http.StatusNotFound},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			resp, body := f.get(t, testCase.Path)
			require.Equal(t, testCase.Status, resp.StatusCode, string(body))
			var msg map[string]string
			require.NoError(t, json.Unmarshal(body, &msg))
			require.NotEmpty(t, msg["error"])
		})
	}
}

func TestCallInfoList(t *testing.T) {
	f := setup(t)
	resp, body := f.get(t, "/api/callinfo_list?file=cachegrind.out.xdebug2&functionNr=0")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var info struct {
		CalledFrom []struct {
			Caller string `json:"callerFunctionName"`
			Calls  int64  `json:"callCount"`
		} `json:"calledFrom"`
		CalledByHost bool `json:"calledByHost"`
	}
	require.NoError(t, json.Unmarshal(body, &info))
	require.Len(t, info.CalledFrom, 2)
	require.Equal(t, "Foo->bar", info.CalledFrom[0].Caller)
	require.False(t, info.CalledByHost)
}

func TestDownloadAndGraph(t *testing.T) {
	f := setup(t)

	resp, body := f.get(t, "/api/download_file?file=cachegrind.out.xdebug2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "cachegrind.out.xdebug2")
	require.True(t, strings.HasPrefix(string(body), "version: 1"))

	resp, body = f.get(t, "/api/function_graph?dataFile=0&showFraction=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/vnd.graphviz", resp.Header.Get("Content-Type"))
	require.Contains(t, string(body), `digraph "cachegrind.out.xdebug3"`)

	resp, body = f.get(t, "/api/profile?file=cachegrind.out.xdebug2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p, err := profile.ParseData(body)
	require.NoError(t, err)
	require.NotEmpty(t, p.Sample)
}

func TestFileViewer(t *testing.T) {
	srcDir := t.TempDir()
	index := filepath.Join(srcDir, "index.php")
	require.NoError(t, os.WriteFile(index, []byte("<?php\necho 'hi';\n"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(srcDir, "lib"), 0o700))
	outside := filepath.Join(t.TempDir(), "secret.php")
	require.NoError(t, os.WriteFile(outside, []byte("<?php // secret\n"), 0o600))

	f := setupWith(t, func(c *config.Config) {
		c.SourceRoots = []string{srcDir}
	})

	resp, body := f.get(t, "/api/fileviewer?file="+url.QueryEscape(index))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var src struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Size    int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(body, &src))
	require.Equal(t, index, src.Path)
	require.Equal(t, "<?php\necho 'hi';\n", src.Content)
	require.EqualValues(t, 17, src.Size)

	resp, body = f.get(t, "/api/fileviewer?format=raw&file="+url.QueryEscape(index))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, "<?php\necho 'hi';\n", string(body))

	testCases := []struct {
		Name   string
		File   string
		Status int
	}{
		{Name: "NoFile", File: "", Status: http.StatusBadRequest},
		{Name: "OutsideRoots", File: outside, Status: http.StatusForbidden},
		{Name: "DotDotEscape", File: srcDir + "/../" + filepath.Base(filepath.Dir(outside)) + "/secret.php", Status: http.StatusForbidden},
		{Name: "Directory", File: filepath.Join(srcDir, "lib"), Status: http.StatusForbidden},
		{Name: "Missing", File: filepath.Join(srcDir, "nope.php"), Status: http.StatusNotFound},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			resp, body := f.get(t, "/api/fileviewer?file="+url.QueryEscape(testCase.File))
			require.Equal(t, testCase.Status, resp.StatusCode, string(body))
		})
	}
}

func TestFileViewerDisabledByDefault(t *testing.T) {
	f := setup(t)
	resp, body := f.get(t, "/api/fileviewer?file="+url.QueryEscape(filepath.Join(f.dir, "cachegrind.out.xdebug2")))
	require.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))
}

func TestClearFiles(t *testing.T) {
	f := setup(t)

	resp, err := http.Get(f.srv.URL + "/api/clear_files")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(f.srv.URL+"/api/clear_files", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"deleted":2}`, string(body))

	resp, err = http.Post(f.srv.URL+"/api/clear_files", "application/json", nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.JSONEq(t, `{"deleted":0,"noFilesFound":true}`, string(body))
}

func TestMetricsAndHealth(t *testing.T) {
	f := setup(t)
	_, _ = f.get(t, "/api/function_list")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "test_cache_builds_total 1")

	resp, body = f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK\n", string(body))
}

func TestWebsocket(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.watcher.Scan(ctx)
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var event httpapi.TraceListEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	require.Equal(t, "traces", event.Type)
	require.Len(t, event.Traces, 2)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "cachegrind.out.xdebug2")))
	_, err = f.watcher.Scan(ctx)
	require.NoError(t, err)

	require.NoError(t, wsjson.Read(ctx, conn, &event))
	require.Len(t, event.Traces, 1)
	require.Equal(t, "cachegrind.out.xdebug3", event.Traces[0].Filename)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
