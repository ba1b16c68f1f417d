package cmd

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/httpapi"
	"github.com/Emyrk/grindview/grind/mcptools"
	"github.com/Emyrk/grindview/internal/version"

	"github.com/coder/serpent"
)

func (r *Root) serve() *serpent.Command {
	var (
		opts    = new(cliTraceOptions)
		address string
		noMCP   bool
	)
	cmd := &serpent.Command{
		Use:   "serve",
		Short: "Serve the trace API, the websocket feed and metrics.",
		Options: serpent.OptionSet{
			serpent.Option{
				Name:        "address",
				Description: "Address to listen on. Defaults to listen_address from the config.",
				Flag:        "address",
				Env:         "GRINDVIEW_ADDRESS",
				Value:       serpent.StringOf(&address),
			},
			opts.dotOption(),
			serpent.Option{
				Name:        "no-mcp",
				Description: "Do not mount the MCP endpoint at /mcp.",
				Flag:        "no-mcp",
				Value:       serpent.BoolOf(&noMCP),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			logger := a.logger
			ctx := i.Context()
			if address == "" {
				address = a.cfg.ListenAddress
			}

			watcher := grind.NewWatcher(a.svc, metricsNamespace, logger)
			go watcher.Watch(ctx)

			reg := prometheus.NewRegistry()
			for _, c := range []prometheus.Collector{
				a.cache,
				watcher,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			} {
				err := reg.Register(c)
				if err != nil {
					logger.Error().Err(err).Msg("register collector")
					return fmt.Errorf("register collector: %w", err)
				}
			}

			var mcpHandler http.Handler
			if !noMCP {
				mcpHandler = mcptools.HTTPHandler(mcptools.New(a.svc, logger).Server(version.GitTag))
			}

			srv, err := httpapi.New(httpapi.Config{
				Address:  address,
				Service:  a.svc,
				Watcher:  watcher,
				Gatherer: reg,
				MCP:      mcpHandler,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			logger.Info().
				Str("address", address).
				Str("profiler_dir", a.cfg.ProfilerDir).
				Bool("mcp", mcpHandler != nil).
				Msg("serving")
			return srv.Serve(ctx)
		},
	}

	opts.Attach(cmd)
	return cmd
}
