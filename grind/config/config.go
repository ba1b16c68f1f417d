package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KindPatterns is the classification table used to decide which kind a
// function name belongs to. Matching is by substring.
type KindPatterns struct {
	Internal []string `yaml:"internal"`
	Include  []string `yaml:"include"`
	Class    []string `yaml:"class"`
}

type PyroscopeOptions struct {
	Address   string `yaml:"address"`
	AppName   string `yaml:"app_name"`
	AuthToken string `yaml:"auth_token"`
}

// Config is built once at startup and passed by value to every component.
// Nothing mutates it afterwards.
type Config struct {
	ProfilerDir       string        `yaml:"profiler_dir"`
	StorageDir        string        `yaml:"storage_dir"`
	OutputPattern     string        `yaml:"output_pattern"`
	DefaultCostFormat string        `yaml:"default_cost_format"`
	DateFormat        string        `yaml:"date_format"`
	Timezone          string        `yaml:"timezone"`
	HideInternals     bool          `yaml:"hide_internals"`
	ShowFraction      float64       `yaml:"show_fraction"`
	KindPatterns      KindPatterns  `yaml:"kind_patterns"`
	ListenAddress     string        `yaml:"listen_address"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	DotExecutable     string        `yaml:"dot_executable"`
	GraphImageType    string        `yaml:"graph_image_type"`

	// SourceRoots are the directories the source viewer may read from.
	// Empty disables the viewer.
	SourceRoots []string `yaml:"source_roots"`

	Pyroscope PyroscopeOptions `yaml:"pyroscope"`
}

// Default returns the stock settings.
func Default() Config {
	return Config{
		ProfilerDir:       os.TempDir(),
		StorageDir:        os.TempDir(),
		OutputPattern:     "cachegrind.out.*",
		DefaultCostFormat: "percent",
		DateFormat:        "2006-01-02 15:04:05",
		Timezone:          "UTC",
		ShowFraction:      0.9,
		KindPatterns: KindPatterns{
			Internal: []string{"php::"},
			Include:  []string{"require_once::", "require::", "include_once::", "include::"},
			Class:    []string{"->", "::"},
		},
		ListenAddress:  ":8080",
		ScanInterval:   5 * time.Second,
		GraphImageType: "svg",
	}
}

// Load reads a YAML file on top of the defaults. A missing file is not an
// error, the defaults are returned as is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ProfilerDir == "" {
		return fmt.Errorf("profiler_dir must be set")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir must be set")
	}
	if c.OutputPattern == "" {
		return fmt.Errorf("output_pattern must be set")
	}
	if c.ShowFraction < 0 || c.ShowFraction > 1 {
		return fmt.Errorf("show_fraction must be within [0,1], got %v", c.ShowFraction)
	}
	if c.ScanInterval < 0 {
		return fmt.Errorf("scan_interval must not be negative")
	}
	switch c.DefaultCostFormat {
	case "percent", "usec", "msec":
	default:
		return fmt.Errorf("unknown default_cost_format %q", c.DefaultCostFormat)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone used for displaying trace
// modification times.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
