// Package config provides configuration parsing and management for the detector.
//
// It handles both command-line flags and environment variables, with flags taking
// precedence over environment variables. The Config struct contains all runtime
// configuration for the detector including:
//   - Listen addresses for the HTTP API and the gRPC snapshot service
//   - Snapshot storage (memory or redis) and persisted model state backends
//   - The alert journal, webhook and Kafka sinks
//   - Logging configuration (format, level, optional rotating file)
//   - TLS configuration (cert, key, CA files)
//   - The parameters of a single stream (single-stream mode)
//
// Multi-stream mode is enabled via --config-file pointing to a YAML file. Values
// missing from a stream entry fall back to the flag and environment defaults.
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	streams, err := config.LoadStreams(cfg)
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/storage"
	"github.com/HatiCode/vigil/pkg/stream"
	"github.com/HatiCode/vigil/pkg/tls"
)

// Fallback modes.
const (
	FallbackNone     = "none"
	FallbackSimulate = "simulate"
)

// Sink types.
const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
	SinkKafka   = "kafka"
)

// Config holds all detector configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	LogFile    string
	ConfigFile string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	StateBackend  string
	StateDir      string
	StateCompress bool
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	S3Endpoint    string

	JournalPath   string
	SeverityTable string
	TLS           tls.Config

	// Stream holds the single-stream settings from flags and environment,
	// and the defaults for streams loaded from ConfigFile.
	Stream StreamConfig
}

// StreamConfig holds configuration for a single monitored stream.
type StreamConfig struct {
	Name         string            `yaml:"name"`
	Source       string            `yaml:"source"`
	SourceConfig map[string]string `yaml:"sourceConfig"`
	Interval     time.Duration     `yaml:"interval"`
	Window       time.Duration     `yaml:"window"`
	Step         time.Duration     `yaml:"step"`
	Fallback     string            `yaml:"fallback"`
	MinSeverity  string            `yaml:"min_severity"`

	Contamination    float64 `yaml:"contamination"`
	RandomSeed       uint64  `yaml:"random_seed"`
	RollingWindow    int     `yaml:"rolling_window"`
	BufferCapacity   int     `yaml:"buffer_capacity"`
	MinTrainingSize  int     `yaml:"min_training_size"`
	PredictionWindow int     `yaml:"prediction_window"`
	NumTrees         int     `yaml:"num_trees"`
	MaxSamples       int     `yaml:"max_samples"`
	CalendarFeatures *bool   `yaml:"calendar_features"`

	Sinks []SinkConfig `yaml:"sinks"`
}

// SinkConfig configures one alert destination of a stream.
type SinkConfig struct {
	Type        string            `yaml:"type"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Brokers     []string          `yaml:"brokers"`
	Topic       string            `yaml:"topic"`
	MinSeverity string            `yaml:"min_severity"`
}

// File is the layout of the multi-stream YAML file.
type File struct {
	Streams []StreamConfig `yaml:"streams"`
}

// ParseFlags parses command-line flags and environment variables into a Config.
// Environment variables are used as fallbacks when flags are not provided.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers the detector flags on fs and parses args.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	s := &cfg.Stream

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":50051"), "gRPC listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Write logs to this file with rotation instead of stderr")
	fs.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "YAML file listing streams (multi-stream mode)")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Snapshot storage backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 30*time.Minute), "Redis snapshot TTL")

	fs.StringVar(&cfg.StateBackend, "state", getEnv("STATE_BACKEND", "none"), "Model state backend: none, memory, file, redis or s3")
	fs.StringVar(&cfg.StateDir, "state-dir", getEnv("STATE_DIR", "./state"), "Directory for the file state backend")
	fs.BoolVar(&cfg.StateCompress, "state-compress", getEnvBool("STATE_COMPRESS", true), "Snappy-compress persisted state")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "S3 bucket for the s3 state backend")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", getEnv("S3_PREFIX", "vigil"), "S3 key prefix")
	fs.StringVar(&cfg.S3Region, "s3-region", getEnv("S3_REGION", "us-east-1"), "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "Custom S3 endpoint (MinIO, LocalStack)")

	fs.StringVar(&cfg.JournalPath, "journal", getEnv("JOURNAL_PATH", ""), "SQLite alert journal path (empty disables)")
	fs.StringVar(&cfg.SeverityTable, "severity-table", getEnv("SEVERITY_TABLE", ""), "YAML severity threshold table (default built-in)")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mTLS for the HTTP and gRPC servers and the webhook client")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file")

	fs.StringVar(&s.Name, "stream", getEnv("STREAM", ""), "Stream name (required in single-stream mode)")
	fs.StringVar(&s.Source, "source", getEnv("SOURCE", "prometheus"), "Metric source: prometheus, victoriametrics, http, csv or simulator")
	sourceOpts := kvFlag(parseKV(getEnv("SOURCE_OPTS", ""), "\n"))
	fs.Var(&sourceOpts, "source-opt", "Source option key=value (repeatable), e.g. query.cpu_usage=avg(rate(cpu[5m]))")
	fs.DurationVar(&s.Interval, "interval", getEnvDuration("INTERVAL", time.Minute), "Collection interval")
	fs.DurationVar(&s.Window, "window", getEnvDuration("WINDOW", time.Hour), "Collection window")
	fs.DurationVar(&s.Step, "step", getEnvDuration("STEP", time.Minute), "Sample resolution")
	fs.StringVar(&s.Fallback, "fallback", getEnv("FALLBACK", FallbackNone), "Fallback when the source fails: none or simulate")
	fs.StringVar(&s.MinSeverity, "min-severity", getEnv("MIN_SEVERITY", "MEDIUM"), "Minimum severity forwarded to webhook and kafka sinks")

	fs.Float64Var(&s.Contamination, "contamination", getEnvFloat("CONTAMINATION", models.DefaultContamination), "Expected anomaly fraction in (0, 0.5]")
	fs.Uint64Var(&s.RandomSeed, "random-seed", uint64(getEnvInt("RANDOM_SEED", int(models.DefaultSeed))), "Model random seed")
	fs.IntVar(&s.RollingWindow, "rolling-window", getEnvInt("ROLLING_WINDOW", features.DefaultWindow), "Rolling statistics window")
	fs.IntVar(&s.BufferCapacity, "buffer-capacity", getEnvInt("BUFFER_CAPACITY", stream.DefaultBufferCapacity), "Streaming buffer capacity")
	fs.IntVar(&s.MinTrainingSize, "min-training-size", getEnvInt("MIN_TRAINING_SIZE", stream.DefaultMinTrainingSize), "Observations required before the first fit")
	fs.IntVar(&s.PredictionWindow, "prediction-window", getEnvInt("PREDICTION_WINDOW", stream.DefaultPredictionWindow), "Trailing observations scored per tick")
	fs.IntVar(&s.NumTrees, "num-trees", getEnvInt("NUM_TREES", models.DefaultNumTrees), "Isolation forest trees")
	fs.IntVar(&s.MaxSamples, "max-samples", getEnvInt("MAX_SAMPLES", models.DefaultMaxSamples), "Isolation forest subsample size")
	calendar := fs.Bool("calendar-features", getEnvBool("CALENDAR_FEATURES", true), "Include hour, day_of_week and is_weekend features")

	webhookURL := fs.String("webhook-url", getEnv("WEBHOOK_URL", ""), "POST anomalies to this URL")
	kafkaBrokers := fs.String("kafka-brokers", getEnv("KAFKA_BROKERS", ""), "Comma-separated Kafka brokers for anomaly records")
	kafkaTopic := fs.String("kafka-topic", getEnv("KAFKA_TOPIC", "vigil-anomalies"), "Kafka topic for anomaly records")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	s.SourceConfig = map[string]string(sourceOpts)
	s.CalendarFeatures = calendar
	s.Sinks = append(s.Sinks, SinkConfig{Type: SinkLog})
	if *webhookURL != "" {
		s.Sinks = append(s.Sinks, SinkConfig{Type: SinkWebhook, URL: *webhookURL})
	}
	if *kafkaBrokers != "" {
		s.Sinks = append(s.Sinks, SinkConfig{Type: SinkKafka, Brokers: splitList(*kafkaBrokers), Topic: *kafkaTopic})
	}

	if cfg.ConfigFile == "" && s.Name == "" {
		return nil, fmt.Errorf("--stream is required when --config-file is not set")
	}
	return cfg, nil
}

// LoadStreams returns the validated stream configurations: the entries of
// ConfigFile when set, otherwise the single stream described by flags.
func LoadStreams(cfg *Config) ([]StreamConfig, error) {
	if cfg.ConfigFile == "" {
		s := cfg.Stream
		if err := validateStream(&s, 0); err != nil {
			return nil, err
		}
		return []StreamConfig{s}, nil
	}

	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
	}
	if len(f.Streams) == 0 {
		return nil, fmt.Errorf("config file %s lists no streams", cfg.ConfigFile)
	}

	seen := make(map[string]bool, len(f.Streams))
	out := make([]StreamConfig, 0, len(f.Streams))
	for i, s := range f.Streams {
		s.applyDefaults(cfg.Stream)
		if err := validateStream(&s, i); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("stream[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out, nil
}

func (s *StreamConfig) applyDefaults(d StreamConfig) {
	if s.Source == "" {
		s.Source = d.Source
	}
	if s.Interval == 0 {
		s.Interval = d.Interval
	}
	if s.Window == 0 {
		s.Window = d.Window
	}
	if s.Step == 0 {
		s.Step = d.Step
	}
	if s.Fallback == "" {
		s.Fallback = d.Fallback
	}
	if s.MinSeverity == "" {
		s.MinSeverity = d.MinSeverity
	}
	if s.Contamination == 0 {
		s.Contamination = d.Contamination
	}
	if s.RandomSeed == 0 {
		s.RandomSeed = d.RandomSeed
	}
	if s.RollingWindow == 0 {
		s.RollingWindow = d.RollingWindow
	}
	if s.BufferCapacity == 0 {
		s.BufferCapacity = d.BufferCapacity
	}
	if s.MinTrainingSize == 0 {
		s.MinTrainingSize = d.MinTrainingSize
	}
	if s.PredictionWindow == 0 {
		s.PredictionWindow = d.PredictionWindow
	}
	if s.NumTrees == 0 {
		s.NumTrees = d.NumTrees
	}
	if s.MaxSamples == 0 {
		s.MaxSamples = d.MaxSamples
	}
	if s.CalendarFeatures == nil {
		s.CalendarFeatures = d.CalendarFeatures
	}
	if len(s.Sinks) == 0 {
		s.Sinks = d.Sinks
	}
}

// DetectorConfig converts the stream settings into the online detector
// configuration.
func (s StreamConfig) DetectorConfig() stream.Config {
	calendar := true
	if s.CalendarFeatures != nil {
		calendar = *s.CalendarFeatures
	}
	return stream.Config{
		Model: models.Config{
			Contamination:    s.Contamination,
			RandomSeed:       s.RandomSeed,
			RollingWindow:    s.RollingWindow,
			NumTrees:         s.NumTrees,
			MaxSamples:       s.MaxSamples,
			CalendarFeatures: calendar,
		},
		BufferCapacity:   s.BufferCapacity,
		MinTrainingSize:  s.MinTrainingSize,
		PredictionWindow: s.PredictionWindow,
	}
}

// MinTier returns the parsed minimum severity, LOW when unset.
func (s StreamConfig) MinTier() severity.Tier {
	t, err := severity.ParseTier(s.MinSeverity)
	if err != nil {
		return severity.Low
	}
	return t
}

func validateStream(s *StreamConfig, index int) error {
	if err := storage.ValidateStreamName(s.Name); err != nil {
		return fmt.Errorf("stream[%d]: %w", index, err)
	}
	if s.Source == "" {
		return fmt.Errorf("stream %q: source cannot be empty", s.Name)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("stream %q: interval must be > 0", s.Name)
	}
	if s.Step <= 0 {
		return fmt.Errorf("stream %q: step must be > 0", s.Name)
	}
	if s.Window < s.Step {
		return fmt.Errorf("stream %q: window (%v) must be >= step (%v)", s.Name, s.Window, s.Step)
	}
	switch s.Fallback {
	case "":
		s.Fallback = FallbackNone
	case FallbackNone, FallbackSimulate:
	default:
		return fmt.Errorf("stream %q: invalid fallback %q (must be none or simulate)", s.Name, s.Fallback)
	}
	if s.MinSeverity != "" {
		if _, err := severity.ParseTier(s.MinSeverity); err != nil {
			return fmt.Errorf("stream %q: %w", s.Name, err)
		}
	}
	if err := s.DetectorConfig().Validate(); err != nil {
		return fmt.Errorf("stream %q: %w", s.Name, err)
	}
	for i, sink := range s.Sinks {
		if err := validateSink(sink); err != nil {
			return fmt.Errorf("stream %q: sink[%d]: %w", s.Name, i, err)
		}
	}
	return nil
}

func validateSink(s SinkConfig) error {
	switch s.Type {
	case SinkLog:
	case SinkWebhook:
		if s.URL == "" {
			return fmt.Errorf("webhook sink requires url")
		}
	case SinkKafka:
		if len(s.Brokers) == 0 || s.Topic == "" {
			return fmt.Errorf("kafka sink requires brokers and topic")
		}
	default:
		return fmt.Errorf("unknown sink type %q (must be log, webhook or kafka)", s.Type)
	}
	if s.MinSeverity != "" {
		if _, err := severity.ParseTier(s.MinSeverity); err != nil {
			return err
		}
	}
	return nil
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
	(*k)[strings.TrimSpace(key)] = value
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

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
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
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
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
		return value == "true" || value == "1"
	}
	return defaultValue
}
