// Package config provides configuration parsing for the offline scanner.
//
// It handles both command-line flags and environment variables, with flags taking
// precedence over environment variables. A single positional argument names the
// CSV file to scan and is a shorthand for -source-opt path=<file>.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	// cfg now contains validated configuration
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/report"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

// Config holds all scanner configuration.
type Config struct {
	Stream       string
	Source       string
	SourceConfig map[string]string
	Window       time.Duration
	Step         time.Duration
	Fill         bool

	Contamination    float64
	RandomSeed       uint64
	RollingWindow    int
	NumTrees         int
	MaxSamples       int
	CalendarFeatures bool

	SeverityTable string
	TruthColumn   string
	// ScoreQuantiles are the score levels reported in the summary.
	ScoreQuantiles []float64

	// Output receives the report; "-" writes to stdout.
	Output string
	// Format is json or html; empty infers it from Output's extension.
	Format      string
	CSVOutput   string
	JournalPath string

	LogFormat string
	LogLevel  string
	LogFile   string
}

// ParseFlags parses os.Args and exits on invalid configuration.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	return cfg
}

// Parse reads the configuration from args, falling back to the environment.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	sourceOpts := kvFlag(parseKV(getEnv("SOURCE_OPTS", ""), "\n"))

	fs.StringVar(&cfg.Stream, "stream", getEnv("STREAM", "scan"), "Stream name stamped on records")
	fs.StringVar(&cfg.Source, "source", getEnv("SOURCE", "csv"), "Source kind (csv|prometheus|victoriametrics|http|simulator)")
	fs.Var(&sourceOpts, "source-opt", "Source option as key=value (repeatable)")
	fs.DurationVar(&cfg.Window, "window", getEnvDuration("WINDOW", 0), "History window to scan (0 reads everything the source offers)")
	fs.DurationVar(&cfg.Step, "step", getEnvDuration("STEP", time.Hour), "Query resolution for remote sources")
	fs.BoolVar(&cfg.Fill, "fill", getEnvBool("FILL", false), "Forward fill missing metric values")

	fs.Float64Var(&cfg.Contamination, "contamination", getEnvFloat("CONTAMINATION", models.DefaultContamination), "Expected fraction of anomalies (0, 0.5]")
	seed := fs.Uint64("random-seed", uint64(getEnvInt("RANDOM_SEED", models.DefaultSeed)), "Random seed of the isolation forest")
	fs.IntVar(&cfg.RollingWindow, "rolling-window", getEnvInt("ROLLING_WINDOW", features.DefaultWindow), "Rolling window of the temporal features")
	fs.IntVar(&cfg.NumTrees, "num-trees", getEnvInt("NUM_TREES", models.DefaultNumTrees), "Number of isolation trees")
	fs.IntVar(&cfg.MaxSamples, "max-samples", getEnvInt("MAX_SAMPLES", models.DefaultMaxSamples), "Subsample size per tree")
	fs.BoolVar(&cfg.CalendarFeatures, "calendar-features", getEnvBool("CALENDAR_FEATURES", true), "Add hour of day, day of week and weekend features")

	fs.StringVar(&cfg.SeverityTable, "severity-table", getEnv("SEVERITY_TABLE", ""), "YAML severity table (default built-in)")
	quantiles := fs.String("score-quantiles", getEnv("SCORE_QUANTILES", "p50,p90,p99"), "Comma separated score quantiles to report")
	fs.StringVar(&cfg.TruthColumn, "truth-column", getEnv("TRUTH_COLUMN", ""), "Metric or label holding ground truth; enables detection metrics")

	fs.StringVar(&cfg.Output, "output", getEnv("OUTPUT", "-"), "Report destination file (- for stdout)")
	fs.StringVar(&cfg.Format, "format", getEnv("FORMAT", ""), "Report format (json|html); inferred from -output when empty")
	fs.StringVar(&cfg.CSVOutput, "csv-output", getEnv("CSV_OUTPUT", ""), "Write every scored record to this CSV file")
	fs.StringVar(&cfg.JournalPath, "journal", getEnv("JOURNAL_PATH", ""), "Append every scored record to this SQLite journal")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format (text|json)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Write logs to this file with rotation")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.RandomSeed = *seed

	levels, err := report.ParseQuantileLevels(*quantiles)
	if err != nil {
		return nil, fmt.Errorf("invalid -score-quantiles: %w", err)
	}
	cfg.ScoreQuantiles = levels

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		sourceOpts["path"] = rest[0]
	default:
		return nil, fmt.Errorf("expected at most one input file, got %d", len(rest))
	}
	cfg.SourceConfig = map[string]string(sourceOpts)
	if _, ok := cfg.SourceConfig["source"]; !ok {
		cfg.SourceConfig["source"] = cfg.Stream
	}

	if cfg.Format == "" {
		cfg.Format = formatFor(cfg.Output)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return errors.New("-stream must not be empty")
	}
	if c.Source == "csv" && c.SourceConfig["path"] == "" {
		return errors.New("csv source requires an input file")
	}
	if c.Format != FormatJSON && c.Format != FormatHTML {
		return fmt.Errorf("invalid format %q (must be json or html)", c.Format)
	}
	if c.Window < 0 {
		return errors.New("-window must not be negative")
	}
	if c.Step < time.Second {
		return errors.New("-step must be at least 1s")
	}
	return c.ModelConfig().Validate()
}

// ModelConfig returns the detector parameters.
func (c *Config) ModelConfig() models.Config {
	return models.Config{
		Contamination:    c.Contamination,
		RandomSeed:       c.RandomSeed,
		RollingWindow:    c.RollingWindow,
		NumTrees:         c.NumTrees,
		MaxSamples:       c.MaxSamples,
		CalendarFeatures: c.CalendarFeatures,
	}
}

func formatFor(output string) string {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatJSON
	}
}

// kvFlag collects repeated key=value flags.
type kvFlag map[string]string

func (k *kvFlag) String() string {
	if k == nil || *k == nil {
		return ""
	}
	parts := make([]string, 0, len(*k))
	for key, v := range *k {
		parts = append(parts, key+"="+v)
	}
	return strings.Join(parts, ",")
}

func (k *kvFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	if *k == nil {
		*k = make(map[string]string)
	}
	(*k)[key] = value
	return nil
}

func parseKV(s, sep string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, sep) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && key != "" {
			out[strings.TrimSpace(key)] = value
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
