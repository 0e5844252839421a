package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/vigil/pkg/severity"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("detector", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("VIGIL_TEST_VAR", "from-env")
	if got := getEnv("VIGIL_TEST_VAR", "default"); got != "from-env" {
		t.Errorf("getEnv() = %q, want %q", got, "from-env")
	}
	if got := getEnv("VIGIL_NONEXISTENT_VAR", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want %q", got, "default")
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("VIGIL_INT", "12")
	t.Setenv("VIGIL_BAD_INT", "twelve")
	t.Setenv("VIGIL_FLOAT", "0.05")
	t.Setenv("VIGIL_DURATION", "90s")
	t.Setenv("VIGIL_BOOL", "1")

	if got := getEnvInt("VIGIL_INT", 3); got != 12 {
		t.Errorf("getEnvInt() = %d, want 12", got)
	}
	if got := getEnvInt("VIGIL_BAD_INT", 3); got != 3 {
		t.Errorf("getEnvInt() with invalid value = %d, want default 3", got)
	}
	if got := getEnvFloat("VIGIL_FLOAT", 0.1); got != 0.05 {
		t.Errorf("getEnvFloat() = %v, want 0.05", got)
	}
	if got := getEnvDuration("VIGIL_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvBool("VIGIL_BOOL", false); !got {
		t.Errorf("getEnvBool() = false, want true")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse(t, "-stream=web")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	s := cfg.Stream
	if s.Contamination != 0.1 {
		t.Errorf("contamination = %v, want 0.1", s.Contamination)
	}
	if s.RandomSeed != 42 {
		t.Errorf("random seed = %d, want 42", s.RandomSeed)
	}
	if s.RollingWindow != 5 || s.BufferCapacity != 1000 || s.MinTrainingSize != 50 || s.PredictionWindow != 10 {
		t.Errorf("online defaults = %d/%d/%d/%d, want 5/1000/50/10",
			s.RollingWindow, s.BufferCapacity, s.MinTrainingSize, s.PredictionWindow)
	}
	if s.CalendarFeatures == nil || !*s.CalendarFeatures {
		t.Errorf("calendar features should default to true")
	}
	if len(s.Sinks) != 1 || s.Sinks[0].Type != SinkLog {
		t.Errorf("sinks = %+v, want a single log sink", s.Sinks)
	}
}

func TestParse_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CONTAMINATION", "0.2")
	t.Setenv("ROLLING_WINDOW", "7")

	cfg, err := parse(t, "-stream=web", "-contamination=0.05")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Stream.Contamination != 0.05 {
		t.Errorf("contamination = %v, want flag value 0.05", cfg.Stream.Contamination)
	}
	if cfg.Stream.RollingWindow != 7 {
		t.Errorf("rolling window = %d, want env value 7", cfg.Stream.RollingWindow)
	}
}

func TestParse_SourceOptionsAndSinks(t *testing.T) {
	t.Setenv("SOURCE_OPTS", "url=http://prom:9090\nquery.cpu_usage=avg(cpu)")

	cfg, err := parse(t,
		"-stream=web",
		"-source-opt", "query.network_traffic=sum(rate(bytes[5m]), 1)",
		"-webhook-url=http://hooks.local/alerts",
		"-kafka-brokers=k1:9092, k2:9092",
	)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := map[string]string{
		"url":                   "http://prom:9090",
		"query.cpu_usage":       "avg(cpu)",
		"query.network_traffic": "sum(rate(bytes[5m]), 1)",
	}
	for k, v := range want {
		if cfg.Stream.SourceConfig[k] != v {
			t.Errorf("SourceConfig[%q] = %q, want %q", k, cfg.Stream.SourceConfig[k], v)
		}
	}
	if len(cfg.Stream.Sinks) != 3 {
		t.Fatalf("got %d sinks, want 3", len(cfg.Stream.Sinks))
	}
	kafka := cfg.Stream.Sinks[2]
	if kafka.Type != SinkKafka || len(kafka.Brokers) != 2 || kafka.Brokers[1] != "k2:9092" || kafka.Topic != "vigil-anomalies" {
		t.Errorf("kafka sink = %+v", kafka)
	}
}

func TestParse_RequiresStream(t *testing.T) {
	if _, err := parse(t); err == nil {
		t.Fatal("expected error without --stream or --config-file")
	}
	if _, err := parse(t, "-config-file=streams.yaml"); err != nil {
		t.Errorf("config file mode should not require --stream: %v", err)
	}
}

func TestLoadStreams_SingleStream(t *testing.T) {
	cfg, err := parse(t, "-stream=web", "-source=simulator")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	streams, err := LoadStreams(cfg)
	if err != nil {
		t.Fatalf("LoadStreams() error = %v", err)
	}
	if len(streams) != 1 || streams[0].Name != "web" {
		t.Fatalf("streams = %+v", streams)
	}
	if streams[0].Fallback != FallbackNone {
		t.Errorf("fallback = %q, want %q", streams[0].Fallback, FallbackNone)
	}
}

func TestLoadStreams_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.yaml")
	content := `
streams:
  - name: web
    source: prometheus
    sourceConfig:
      url: http://prom:9090
      query.cpu_usage: avg(rate(cpu_seconds_total[5m]))
    interval: 30s
    contamination: 0.05
    fallback: simulate
    min_severity: HIGH
    sinks:
      - type: webhook
        url: http://hooks.local
  - name: auth
    source: csv
    sourceConfig:
      path: /data/auth.csv
    calendar_features: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := parse(t, "-config-file="+path, "-rolling-window=6", "-prediction-window=12")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	streams, err := LoadStreams(cfg)
	if err != nil {
		t.Fatalf("LoadStreams() error = %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}

	web, auth := streams[0], streams[1]
	if web.Interval != 30*time.Second {
		t.Errorf("web interval = %v, want 30s", web.Interval)
	}
	if web.Contamination != 0.05 {
		t.Errorf("web contamination = %v, want 0.05", web.Contamination)
	}
	if web.RollingWindow != 6 {
		t.Errorf("web rolling window = %d, want flag default 6", web.RollingWindow)
	}
	if web.MinTier() != severity.High {
		t.Errorf("web min tier = %v, want HIGH", web.MinTier())
	}
	if len(web.Sinks) != 1 || web.Sinks[0].Type != SinkWebhook {
		t.Errorf("web sinks = %+v", web.Sinks)
	}
	if auth.Interval != time.Minute {
		t.Errorf("auth interval = %v, want default 1m", auth.Interval)
	}
	if auth.DetectorConfig().Model.CalendarFeatures {
		t.Errorf("auth calendar features should be disabled")
	}
	if len(auth.Sinks) != 1 || auth.Sinks[0].Type != SinkLog {
		t.Errorf("auth should inherit the default log sink, got %+v", auth.Sinks)
	}
}

func TestLoadStreams_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no streams", "streams: []", "lists no streams"},
		{"bad name", "streams:\n  - name: ../x\n", "invalid stream name"},
		{"duplicate", "streams:\n  - name: a\n  - name: a\n", "duplicate"},
		{"bad fallback", "streams:\n  - name: a\n    fallback: replay\n", "invalid fallback"},
		{"bad contamination", "streams:\n  - name: a\n    contamination: 0.7\n", "contamination"},
		{"short prediction window", "streams:\n  - name: a\n    rolling_window: 8\n    prediction_window: 4\n", "prediction_window"},
		{"bad severity", "streams:\n  - name: a\n    min_severity: SEVERE\n", "unknown severity"},
		{"webhook without url", "streams:\n  - name: a\n    sinks:\n      - type: webhook\n", "requires url"},
		{"unknown sink", "streams:\n  - name: a\n    sinks:\n      - type: pager\n", "unknown sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "streams.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			cfg, err := parse(t, "-config-file="+path)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			_, err = LoadStreams(cfg)
			if err == nil {
				t.Fatalf("LoadStreams() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestKVFlag(t *testing.T) {
	var kv kvFlag
	if err := kv.Set("a=b=c"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if kv["a"] != "b=c" {
		t.Errorf("value = %q, want %q", kv["a"], "b=c")
	}
	if err := kv.Set("novalue"); err == nil {
		t.Error("expected error for missing '='")
	}
}
