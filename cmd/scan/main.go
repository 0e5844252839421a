// Command scan runs the Vigil anomaly detector over a historical window.
//
// The scanner loads the window from a source (a CSV file by default), fits
// the temporal detector over it, scores and classifies every point and
// writes a JSON or HTML report. Any failure exits with status 1.
//
// Usage:
//
//	scan -output=report.html -csv-output=records.csv cloud_metrics.csv
//	scan -source=simulator -source-opt days=7 -source-opt scenario=default -truth-column=attack_type
//	scan -source=prometheus -window=168h -step=5m \
//	  -source-opt url=http://prometheus:9090 \
//	  -source-opt 'query.cpu_usage=avg(rate(node_cpu_seconds_total{mode!="idle"}[5m]))'
//
// Environment variables:
//
//	SOURCE, SOURCE_OPTS - Source kind and newline separated key=value options
//	WINDOW, STEP        - History window and query resolution
//	CONTAMINATION, RANDOM_SEED, ROLLING_WINDOW - Detector parameters
//	OUTPUT, FORMAT, CSV_OUTPUT, JOURNAL_PATH   - Outputs
//	LOG_LEVEL, LOG_FORMAT, LOG_FILE            - Logging
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HatiCode/vigil/cmd/scan/config"
	"github.com/HatiCode/vigil/pkg/adapters"
	"github.com/HatiCode/vigil/pkg/logger"
	"github.com/HatiCode/vigil/pkg/severity"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()
	log := logger.New(logger.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, File: cfg.LogFile})

	log.Info("starting vigil scan",
		"version", version,
		"stream", cfg.Stream,
		"source", cfg.Source,
		"window", cfg.Window,
		"contamination", cfg.Contamination,
	)

	table := severity.DefaultTable()
	if cfg.SeverityTable != "" {
		var err error
		if table, err = severity.LoadTableFile(cfg.SeverityTable); err != nil {
			log.Error("failed to load severity table", "path", cfg.SeverityTable, "error", err)
			os.Exit(1)
		}
	}

	source, err := adapters.New(cfg.Source, cfg.SourceConfig, int(cfg.Step.Seconds()))
	if err != nil {
		log.Error("failed to create source", "source", cfg.Source, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := NewScanner(cfg, source, severity.NewClassifier(table), log).Scan(ctx)
	if err != nil {
		log.Error("scan failed", "error", err)
		os.Exit(1)
	}
	if err := WriteOutputs(ctx, cfg, res, os.Stdout); err != nil {
		log.Error("failed to write outputs", "error", err)
		os.Exit(1)
	}

	log.Info("scan complete",
		"points", res.Summary.TotalPoints,
		"anomalies", res.Summary.Anomalies,
		"anomaly_rate_percent", res.Summary.AnomalyRate,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
