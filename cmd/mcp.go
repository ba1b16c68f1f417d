package cmd

import (
	"github.com/Emyrk/grindview/grind/mcptools"
	"github.com/Emyrk/grindview/internal/version"

	"github.com/coder/serpent"
)

func (r *Root) mcp() *serpent.Command {
	opts := new(cliTraceOptions)
	cmd := &serpent.Command{
		Use:   "mcp",
		Short: "Serve the trace tools to an MCP client over stdio.",
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			// stdout carries the protocol, logs stay on stderr.
			a.logger.Info().Str("profiler_dir", a.cfg.ProfilerDir).Msg("serving mcp over stdio")
			return mcptools.ServeStdio(mcptools.New(a.svc, a.logger).Server(version.GitTag))
		},
	}
	opts.Attach(cmd)
	return cmd
}
