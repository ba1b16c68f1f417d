package cmd

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/config"
	"github.com/Emyrk/grindview/grind/tracecache"
	"github.com/Emyrk/grindview/grind/tracefs"

	"github.com/coder/serpent"
)

const metricsNamespace = "grindview"

// cliTraceOptions are the flags every trace command shares. Set flags
// override the config file.
type cliTraceOptions struct {
	ProfilerDir   string
	StorageDir    string
	CostFormat    string
	Fraction      float64
	HideInternals bool
	// Dot only has a flag on commands that render graphs.
	Dot string
}

func (o *cliTraceOptions) Attach(cmd *serpent.Command) {
	cmd.Options = append(cmd.Options,
		serpent.Option{
			Name:        "profiler-dir",
			Description: "Directory Xdebug writes traces to.",
			Flag:        "profiler-dir",
			Env:         "GRINDVIEW_PROFILER_DIR",
			Value:       serpent.StringOf(&o.ProfilerDir),
			Group:       GroupTraces,
		},
		serpent.Option{
			Name:        "storage-dir",
			Description: "Directory rendered graphs are cached in.",
			Flag:        "storage-dir",
			Env:         "GRINDVIEW_STORAGE_DIR",
			Value:       serpent.StringOf(&o.StorageDir),
			Group:       GroupTraces,
		},
		serpent.Option{
			Name:        "cost-format",
			Description: "How costs are shown: percent, usec or msec.",
			Flag:        "cost-format",
			Env:         "GRINDVIEW_COST_FORMAT",
			Value:       serpent.StringOf(&o.CostFormat),
			Group:       GroupTraces,
		},
		serpent.Option{
			Name:        "fraction",
			Description: "Share of the shown cost the listed functions must cover, between 0 and 1.",
			Flag:        "fraction",
			Env:         "GRINDVIEW_SHOW_FRACTION",
			Value:       serpent.Float64Of(&o.Fraction),
			Group:       GroupTraces,
		},
		serpent.Option{
			Name:        "hide-internals",
			Description: "Leave built-in PHP functions out of lists and graphs.",
			Flag:        "hide-internals",
			Env:         "GRINDVIEW_HIDE_INTERNALS",
			Value:       serpent.BoolOf(&o.HideInternals),
			Group:       GroupTraces,
		},
	)
}

func (o *cliTraceOptions) dotOption() serpent.Option {
	return serpent.Option{
		Name:        "dot",
		Description: "Graphviz dot executable used to render call graphs.",
		Flag:        "dot",
		Env:         "GRINDVIEW_DOT",
		Value:       serpent.StringOf(&o.Dot),
		Group:       GroupTraces,
	}
}

func (o *cliTraceOptions) apply(inv *serpent.Invocation, cfg *config.Config) {
	if o.ProfilerDir != "" {
		cfg.ProfilerDir = o.ProfilerDir
	}
	if o.StorageDir != "" {
		cfg.StorageDir = o.StorageDir
	}
	if o.CostFormat != "" {
		cfg.DefaultCostFormat = o.CostFormat
	}
	if o.Dot != "" {
		cfg.DotExecutable = o.Dot
	}
	// Zero is a valid fraction and false a valid choice, so these only
	// override the config when the user set them.
	if userSet(inv, "fraction") {
		cfg.ShowFraction = o.Fraction
	}
	if userSet(inv, "hide-internals") {
		cfg.HideInternals = o.HideInternals
	}
}

// userSet reports whether the option with flag came from the command line
// or the environment.
func userSet(inv *serpent.Invocation, flag string) bool {
	for _, opt := range inv.Command.Options {
		if opt.Flag != flag {
			continue
		}
		return opt.ValueSource == serpent.ValueSourceFlag || opt.ValueSource == serpent.ValueSourceEnv
	}
	return false
}

type app struct {
	cfg    config.Config
	logger zerolog.Logger
	cache  *tracecache.Cache
	svc    *grind.Service
}

// setup loads the config file, applies the flags and builds the service.
func (r *Root) setup(inv *serpent.Invocation, opts *cliTraceOptions) (*app, error) {
	logger := r.Logger(inv)

	cfg, err := config.Load(r.ConfigPath)
	if err != nil {
		logger.Error().Err(err).Str("config", r.ConfigPath).Msg("load config")
		return nil, err
	}
	opts.apply(inv, &cfg)

	store, err := tracefs.New(cfg.ProfilerDir, cfg.StorageDir, cfg.OutputPattern)
	if err != nil {
		return nil, fmt.Errorf("open trace dir: %w", err)
	}
	cache := tracecache.New(logger, metricsNamespace)
	svc, err := grind.NewService(cfg, store, cache, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("profiler_dir", cfg.ProfilerDir).
		Str("storage_dir", cfg.StorageDir).
		Str("config", r.ConfigPath).
		Msg("configured")
	return &app{cfg: cfg, logger: logger, cache: cache, svc: svc}, nil
}
