// Package main implements the offline scan pipeline.
//
// A scan loads one window of history from a source, fits a temporal
// detector over it and scores every point of the same window. Each point is
// classified by severity and the run is summarized into a report. Optionally
// the records are exported to CSV, appended to an alert journal and
// compared against a ground-truth column.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/HatiCode/vigil/cmd/scan/config"
	"github.com/HatiCode/vigil/pkg/adapters"
	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/report"
	"github.com/HatiCode/vigil/pkg/severity"
)

// Result is the outcome of one scan.
type Result struct {
	Summary report.Summary
	Records []severity.Record
	// Table is the severity table the records were classified with.
	Table severity.Table
}

// Scanner runs the offline pipeline.
type Scanner struct {
	cfg        *config.Config
	source     adapters.Source
	classifier *severity.Classifier
	logger     *slog.Logger
}

// NewScanner creates a Scanner reading from source.
func NewScanner(cfg *config.Config, source adapters.Source, classifier *severity.Classifier, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = severity.NewClassifier(severity.DefaultTable())
	}
	return &Scanner{
		cfg:        cfg,
		source:     source,
		classifier: classifier,
		logger:     logger,
	}
}

// Scan loads, fits, scores and summarizes the window.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	start := time.Now()
	frame, err := s.source.Collect(ctx, int(s.cfg.Window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("collect from %s: %w", s.source.Name(), err)
	}
	obs := frame.Observations
	s.logger.Info("window loaded",
		"source", s.source.Name(),
		"observations", len(obs),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if s.cfg.Fill {
		if obs, err = features.ForwardFill(obs); err != nil {
			return nil, fmt.Errorf("forward fill: %w", err)
		}
	}

	var truth []bool
	if s.cfg.TruthColumn != "" {
		if truth, err = report.Truth(obs, s.cfg.TruthColumn); err != nil {
			return nil, err
		}
		obs = withoutMetric(obs, s.cfg.TruthColumn)
	}

	detector, err := models.NewTemporalDetector(s.cfg.ModelConfig())
	if err != nil {
		return nil, err
	}
	fitStart := time.Now()
	preds, err := detector.FitPredict(obs)
	if err != nil {
		return nil, fmt.Errorf("fit and predict: %w", err)
	}
	s.logger.Info("window scored",
		"observations", len(preds),
		"duration_ms", time.Since(fitStart).Milliseconds(),
	)

	records := make([]severity.Record, len(preds))
	for i, p := range preds {
		records[i] = s.classifier.Record(s.cfg.Stream, p, false)
	}

	summary := report.Summarize(records, len(obs), s.classifier.Table())
	summary.Stream = s.cfg.Stream
	if s.cfg.ScoreQuantiles != nil {
		summary.Scores.Quantiles = report.ScoreQuantiles(records, s.cfg.ScoreQuantiles)
	}

	if truth != nil {
		labels := make([]int, len(preds))
		for i, p := range preds {
			labels[i] = p.Label
		}
		m, err := report.Evaluate(truth, labels)
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
		summary.Detection = &m
		s.logger.Info("detection metrics",
			"precision", m.Precision,
			"recall", m.Recall,
			"f1", m.F1,
			"accuracy", m.Accuracy,
		)
	}

	return &Result{Summary: summary, Records: records, Table: s.classifier.Table()}, nil
}

// withoutMetric drops a ground-truth metric so it does not feed the model.
func withoutMetric(obs []features.Observation, name string) []features.Observation {
	present := false
	for _, o := range obs {
		if _, ok := o.Metrics[name]; ok {
			present = true
			break
		}
	}
	if !present {
		return obs
	}
	out := make([]features.Observation, len(obs))
	for i, o := range obs {
		c := o.Clone()
		delete(c.Metrics, name)
		out[i] = c
	}
	return out
}

// WriteOutputs writes the report and the optional CSV export and journal.
func WriteOutputs(ctx context.Context, cfg *config.Config, res *Result, stdout io.Writer) error {
	if err := writeReport(cfg, res.Summary, stdout); err != nil {
		return err
	}

	if cfg.CSVOutput != "" {
		if err := writeFile(cfg.CSVOutput, func(w io.Writer) error {
			return report.WriteCSV(w, res.Records, res.Table)
		}); err != nil {
			return fmt.Errorf("write csv export: %w", err)
		}
	}

	if cfg.JournalPath != "" {
		journal, err := alerts.OpenJournal(cfg.JournalPath)
		if err != nil {
			return err
		}
		var errs []error
		for _, rec := range res.Records {
			if err := journal.Send(ctx, rec); err != nil {
				errs = append(errs, err)
				break
			}
		}
		errs = append(errs, journal.Close())
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("write journal: %w", err)
		}
	}
	return nil
}

func writeReport(cfg *config.Config, summary report.Summary, stdout io.Writer) error {
	write := report.WriteJSON
	if cfg.Format == config.FormatHTML {
		write = report.WriteHTML
	}
	if cfg.Output == "" || cfg.Output == "-" {
		return write(stdout, summary)
	}
	if err := writeFile(cfg.Output, func(w io.Writer) error { return write(w, summary) }); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
