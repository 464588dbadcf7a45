// Package config resolves bubblescope settings from the YAML config file, the
// environment and command-line flags, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hurttlocker/bubblescope/internal/activity"
	"github.com/hurttlocker/bubblescope/internal/bubble"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath     string
	CLIDBPath      string
	CLILogLevel    string
	CLILogFormat   string
	CLILogFile     string
	CLIMetricsPath string
	CLISeed        string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath      ResolvedValue `json:"db_path"`
	LogLevel    ResolvedValue `json:"log_level"`
	LogFormat   ResolvedValue `json:"log_format"`
	LogFile     ResolvedValue `json:"log_file"`
	MetricsPath ResolvedValue `json:"metrics_path"`
	Seed        ResolvedValue `json:"seed"`

	analysis analysisConfig
}

type analysisConfig struct {
	Channels        []string  `yaml:"channels"`
	Percentile      float64   `yaml:"percentile"`
	MinPopulation   int       `yaml:"min_population"`
	ActivityMeasure string    `yaml:"activity_measure"`
	Eps             float64   `yaml:"eps"`
	MinSamples      int       `yaml:"min_samples"`
	SampleCap       int       `yaml:"sample_cap"`
	Seed            uint64    `yaml:"seed"`
	Margin          *float64  `yaml:"margin"`
	TopK            int       `yaml:"top_k"`
	MinBubbleSize   int       `yaml:"min_bubble_size"`
	Workers         int       `yaml:"workers"`
	Percentiles     []float64 `yaml:"percentiles"`
	TableMode       string    `yaml:"table_mode"`
	TablePercentile float64   `yaml:"table_percentile"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Log    struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	MetricsPath string         `yaml:"metrics_path"`
	Analysis    analysisConfig `yaml:"analysis"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bubblescope", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LogLevel:   ResolvedValue{Value: "info", Source: SourceDefault, From: "built-in default"},
		LogFormat:  ResolvedValue{Value: "text", Source: SourceDefault, From: "built-in default"},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
		apply(&out.LogFile, cfg.Log.File, SourceConfig, path)
		apply(&out.MetricsPath, cfg.MetricsPath, SourceConfig, path)
		if cfg.Analysis.Seed != 0 {
			apply(&out.Seed, strconv.FormatUint(cfg.Analysis.Seed, 10), SourceConfig, path)
		}
		out.analysis = cfg.Analysis
	}

	applyEnv(&out.DBPath, "BUBBLES_DB")
	applyEnv(&out.LogLevel, "BUBBLES_LOG_LEVEL")
	applyEnv(&out.LogFormat, "BUBBLES_LOG_FORMAT")
	applyEnv(&out.LogFile, "BUBBLES_LOG_FILE")
	applyEnv(&out.MetricsPath, "BUBBLES_METRICS")
	applyEnv(&out.Seed, "BUBBLES_SEED")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")
	apply(&out.LogFormat, opts.CLILogFormat, SourceCLI, "--log-format")
	apply(&out.LogFile, opts.CLILogFile, SourceCLI, "--log-file")
	apply(&out.MetricsPath, opts.CLIMetricsPath, SourceCLI, "--metrics")
	apply(&out.Seed, opts.CLISeed, SourceCLI, "--seed")

	for _, v := range []*ResolvedValue{&out.DBPath, &out.LogFile, &out.MetricsPath} {
		if v.Value != "" {
			v.Value = expandUserPath(v.Value)
		}
	}

	if f := out.LogFormat.Value; f != "text" && f != "json" {
		return out, fmt.Errorf("log format %q from %s: want text or json", f, out.LogFormat.From)
	}
	return out, nil
}

// Analysis returns the validated pipeline parameters: the config file's
// analysis block with the resolved seed, and defaults for everything unset.
func (r ResolvedConfig) Analysis() (pipeline.Config, error) {
	a := r.analysis
	measure, err := activity.ParseMeasure(a.ActivityMeasure)
	if err != nil {
		return pipeline.Config{}, err
	}

	cfg := pipeline.Config{
		Channels:        a.Channels,
		Percentile:      a.Percentile,
		MinPopulation:   a.MinPopulation,
		ActivityMeasure: measure,
		Bubble:          bubble.Params{Eps: a.Eps, MinSamples: a.MinSamples},
		SampleCap:       a.SampleCap,
		Workers:         a.Workers,
		Margin:          a.Margin,
		TopK:            a.TopK,
		MinBubbleSize:   a.MinBubbleSize,
		Percentiles:     a.Percentiles,
		TableMode:       isolation.TableMode(a.TableMode),
		TablePercentile: a.TablePercentile,
	}
	if s := r.Seed.Value; s != "" {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("seed %q from %s: %w", s, r.Seed.From, err)
		}
		cfg.Seed = seed
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
