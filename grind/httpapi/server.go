// Package httpapi serves the trace viewer's JSON API, the raw trace and
// graph downloads, a websocket feed of trace list changes and the
// Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind"
)

type Config struct {
	Address string
	Service *grind.Service
	// Watcher feeds /ws. The endpoint is not registered without one.
	Watcher *grind.Watcher
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	// MCP is mounted at /mcp when set.
	MCP    http.Handler
	Logger zerolog.Logger
}

type Server struct {
	httpServer *http.Server
	svc        *grind.Service
	watcher    *grind.Watcher
	logger     zerolog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("httpapi: service is required")
	}
	s := &Server{
		svc:     cfg.Service,
		watcher: cfg.Watcher,
		logger:  cfg.Logger.With().Str("component", "httpapi").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/file_list", s.fileList)
	mux.HandleFunc("GET /api/function_list", s.functionList)
	mux.HandleFunc("GET /api/callinfo_list", s.callInfoList)
	mux.HandleFunc("POST /api/clear_files", s.clearFiles)
	mux.HandleFunc("GET /api/download_file", s.downloadFile)
	mux.HandleFunc("GET /api/function_graph", s.functionGraph)
	mux.HandleFunc("GET /api/profile", s.profile)
	mux.HandleFunc("GET /api/fileviewer", s.fileViewer)
	if s.watcher != nil {
		mux.HandleFunc("GET /ws", s.serveWebsocket)
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", cfg.MCP)
		s.logger.Debug().Str("path", "/mcp").Msg("registered mcp handler")
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting http server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("stopping http server")
	return s.httpServer.Shutdown(shutdownCtx)
}
