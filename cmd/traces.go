package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/aggregate"

	"github.com/coder/serpent"
)

// traceArg is the optional positional trace name, the newest trace when
// absent.
func traceArg(i *serpent.Invocation) string {
	if len(i.Args) == 0 {
		return grind.NewestTrace
	}
	return i.Args[0]
}

func (r *Root) traces() *serpent.Command {
	var (
		opts = new(cliTraceOptions)
		out  = new(outputFormat)
	)
	cmd := &serpent.Command{
		Use:     "traces",
		Short:   "List the traces in the profiler directory, newest first.",
		Options: serpent.OptionSet{out.option()},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			traces, err := a.svc.ListTraces(i.Context())
			if err != nil {
				return fmt.Errorf("list traces: %w", err)
			}
			if out.json() {
				return writeJSON(i.Stdout, traces)
			}

			t := newTable(i.Stdout, "NAME", "MODIFIED", "SIZE", "COMMAND")
			for _, trace := range traces {
				t.row(trace.Filename, trace.MTime, strconv.FormatInt(trace.Size, 10), trace.InvokeCommand)
			}
			return t.flush()
		},
	}
	opts.Attach(cmd)
	return cmd
}

func (r *Root) functions() *serpent.Command {
	var (
		opts = new(cliTraceOptions)
		out  = new(outputFormat)
	)
	cmd := &serpent.Command{
		Use:        "functions [trace]",
		Short:      "Show the most expensive functions of a trace.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Options:    serpent.OptionSet{out.option()},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			list, err := a.svc.FunctionList(i.Context(), grind.FunctionListRequest{File: traceArg(i)})
			if err != nil {
				return fmt.Errorf("function list: %w", err)
			}
			if out.json() {
				return writeJSON(i.Stdout, list)
			}

			_, _ = fmt.Fprintf(i.Stdout, "%s  %s  %s\n", list.DataFile, list.MTime, list.InvokeCommand)
			_, _ = fmt.Fprintf(i.Stdout, "run time %s ms, %d invocations\n", list.SummedRunTime.Text, list.SummedInvocationCount)
			for _, kind := range aggregate.Kinds {
				_, _ = fmt.Fprintf(i.Stdout, "  %-10s %d\n", kind, list.Breakdown[kind])
			}
			_, _ = fmt.Fprintln(i.Stdout)

			t := newTable(i.Stdout, "NR", "KIND", "CALLS", "SELF", "INCLUSIVE", "FUNCTION", "FILE")
			for _, fn := range list.Functions {
				file := fn.File
				if list.LinkToFunctionLine && fn.Line > 0 {
					file = fmt.Sprintf("%s:%d", fn.File, fn.Line)
				}
				t.row(
					strconv.Itoa(fn.Ordinal),
					fn.Kind.String(),
					strconv.FormatInt(fn.InvocationCount, 10),
					fn.SelfCostFormatted.Text,
					fn.InclusiveCostFormatted.Text,
					fn.Name,
					file,
				)
			}
			return t.flush()
		},
	}
	opts.Attach(cmd)
	return cmd
}

func (r *Root) calls() *serpent.Command {
	var (
		opts = new(cliTraceOptions)
		out  = new(outputFormat)
		nr   int64
	)
	cmd := &serpent.Command{
		Use:        "calls [trace]",
		Short:      "Show who calls a function and what it calls.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Options: serpent.OptionSet{
			out.option(),
			serpent.Option{
				Name:        "function",
				Description: "Function number, as shown by the functions command.",
				Required:    true,
				Flag:        "function",
				Value:       serpent.Int64Of(&nr),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			info, err := a.svc.CallInfo(i.Context(), grind.CallInfoRequest{
				File:    traceArg(i),
				Ordinal: int(nr),
			})
			if err != nil {
				return fmt.Errorf("call info: %w", err)
			}
			if out.json() {
				return writeJSON(i.Stdout, info)
			}

			fn := info.Function
			_, _ = fmt.Fprintf(i.Stdout, "%s (%s)  self %s  inclusive %s  %dx\n",
				fn.Name, fn.Kind, fn.SelfCostFormatted.Text, fn.InclusiveCostFormatted.Text, fn.InvocationCount)
			if info.CalledByHost {
				_, _ = fmt.Fprintln(i.Stdout, "also called by the host")
			}

			for _, section := range []struct {
				title string
				rows  []grind.CallRow
			}{
				{title: "called from", rows: info.CalledFrom},
				{title: "calls", rows: info.SubCalls},
			} {
				_, _ = fmt.Fprintf(i.Stdout, "\n%s:\n", section.title)
				t := newTable(i.Stdout, "NR", "CALLS", "COST", "FUNCTION", "LINE")
				for _, c := range section.rows {
					t.row(
						strconv.Itoa(c.Function),
						strconv.FormatInt(c.Calls, 10),
						c.CostFormatted.Text,
						c.FunctionName,
						fmt.Sprintf("%s:%d", c.File, c.Line),
					)
				}
				err := t.flush()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	opts.Attach(cmd)
	return cmd
}

func (r *Root) clear() *serpent.Command {
	var (
		opts = new(cliTraceOptions)
		yes  bool
	)
	cmd := &serpent.Command{
		Use:   "clear",
		Short: "Delete every trace and its rendered graphs.",
		Options: serpent.OptionSet{
			serpent.Option{
				Name:          "yes",
				Description:   "Do not ask for confirmation.",
				Flag:          "yes",
				FlagShorthand: "y",
				Value:         serpent.BoolOf(&yes),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			a, err := r.setup(i, opts)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to delete the traces in %s without --yes", a.cfg.ProfilerDir)
			}
			res, err := a.svc.ClearTraces(i.Context())
			if err != nil {
				return fmt.Errorf("clear traces: %w", err)
			}
			if res.NoFilesFound {
				_, _ = fmt.Fprintln(i.Stdout, "no traces found")
				return nil
			}
			_, _ = fmt.Fprintf(i.Stdout, "deleted %d traces\n", res.Deleted)
			return nil
		},
	}
	opts.Attach(cmd)
	return cmd
}

func (r *Root) graph() *serpent.Command {
	var (
		opts   = new(cliTraceOptions)
		output string
	)
	cmd := &serpent.Command{
		Use:        "graph [trace]",
		Short:      "Write the call graph as DOT, or as an image when --dot is set.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Options: serpent.OptionSet{
			opts.dotOption(),
			serpent.Option{
				Name:          "output",
				Description:   "File to write to. Defaults to stdout for DOT and the cached image path otherwise.",
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
			ctx := i.Context()
			req := grind.GraphRequest{File: traceArg(i)}

			if a.cfg.DotExecutable != "" {
				path, err := a.svc.GraphImage(ctx, req)
				if err != nil {
					return fmt.Errorf("render graph: %w", err)
				}
				if output != "" {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read image: %w", err)
					}
					path = output
					err = os.WriteFile(path, data, 0o644)
					if err != nil {
						return fmt.Errorf("write image: %w", err)
					}
				}
				_, _ = fmt.Fprintln(i.Stdout, path)
				return nil
			}

			src, err := a.svc.Graph(ctx, req)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			if output == "" {
				_, err = i.Stdout.Write(src)
				return err
			}
			return os.WriteFile(output, src, 0o644)
		},
	}
	opts.Attach(cmd)
	return cmd
}
