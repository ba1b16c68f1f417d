package cmd

import (
	"fmt"
	"os"

	"github.com/Emyrk/grindview/grind/pprofexport"

	"github.com/coder/serpent"
)

func (r *Root) export() *serpent.Command {
	var (
		opts   = new(cliTraceOptions)
		output string
	)
	cmd := &serpent.Command{
		Use:        "export [trace]",
		Short:      "Convert a trace to a gzipped pprof profile.",
		Long:       "The profile opens with `go tool pprof`. Each sample is a call stack with its self cost and call count.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Options: serpent.OptionSet{
			serpent.Option{
				Name:          "output",
				Description:   "File to write to. Defaults to <trace>.pb.gz in the working directory.",
				Flag:          "output",
				FlagShorthand: "o",
				Value:         serpent.StringOf(&output),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			p, name, err := a.svc.Profile(i.Context(), traceArg(i))
			if err != nil {
				return fmt.Errorf("convert trace: %w", err)
			}
			if output == "" {
				output = name + ".pb.gz"
			}

			fd, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			err = p.Write(fd)
			if err != nil {
				_ = fd.Close()
				return fmt.Errorf("write profile: %w", err)
			}
			err = fd.Close()
			if err != nil {
				return fmt.Errorf("close output: %w", err)
			}

			a.logger.Info().
				Str("trace", name).
				Str("output", output).
				Int("samples", len(p.Sample)).
				Msg("exported profile")
			_, _ = fmt.Fprintln(i.Stdout, output)
			return nil
		},
	}
	opts.Attach(cmd)
	return cmd
}

func (r *Root) push() *serpent.Command {
	var (
		opts    = new(cliTraceOptions)
		address string
		appName string
	)
	cmd := &serpent.Command{
		Use:        "push [trace]",
		Short:      "Upload a trace to Pyroscope as a pprof profile.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Options: serpent.OptionSet{
			serpent.Option{
				Name:        "pyroscope-address",
				Description: "Pyroscope server URL. Defaults to pyroscope.address from the config.",
				Flag:        "pyroscope-address",
				Env:         "GRINDVIEW_PYROSCOPE_ADDRESS",
				Value:       serpent.StringOf(&address),
			},
			serpent.Option{
				Name:        "app-name",
				Description: "Application name the profile is stored under.",
				Flag:        "app-name",
				Env:         "GRINDVIEW_PYROSCOPE_APP_NAME",
				Value:       serpent.StringOf(&appName),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			pyro := a.cfg.Pyroscope
			if address != "" {
				pyro.Address = address
			}
			if appName != "" {
				pyro.AppName = appName
			}

			p, name, err := a.svc.Profile(i.Context(), traceArg(i))
			if err != nil {
				return fmt.Errorf("convert trace: %w", err)
			}

			pusher, err := pprofexport.NewPusher(pyro, a.logger)
			if err != nil {
				return err
			}
			defer pusher.Close()

			err = pusher.Push(name, p)
			if err != nil {
				return fmt.Errorf("push profile: %w", err)
			}
			a.logger.Info().Str("trace", name).Str("address", pyro.Address).Msg("pushed profile")
			return nil
		},
	}
	opts.Attach(cmd)
	return cmd
}
