// Package streams turns a validated StreamConfig into the collaborators a
// monitor runs with: the metric source, the optional fallback, the online
// detector and the alert sinks.
package streams

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/HatiCode/vigil/cmd/detector/config"
	"github.com/HatiCode/vigil/pkg/adapters"
	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/stream"
)

// NewSource builds the primary source. Observations are labelled with the
// stream name unless the source config sets "source".
func NewSource(sc config.StreamConfig) (adapters.Source, error) {
	cfg := maps.Clone(sc.SourceConfig)
	if cfg == nil {
		cfg = make(map[string]string)
	}
	if cfg["source"] == "" {
		cfg["source"] = sc.Name
	}
	src, err := adapters.New(sc.Source, cfg, int(sc.Step.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", sc.Name, err)
	}
	return src, nil
}

// NewFallback returns the simulator used when the primary source fails, or
// nil when the stream has no fallback. The simulator produces normal
// traffic only.
func NewFallback(sc config.StreamConfig) adapters.Source {
	if sc.Fallback != config.FallbackSimulate {
		return nil
	}
	source := sc.SourceConfig["source"]
	if source == "" {
		source = sc.Name
	}
	return &adapters.Simulator{
		Source:      source,
		StepSeconds: int(sc.Step.Seconds()),
		Seed:        sc.RandomSeed,
	}
}

// NewDetector builds the online detector for sc.
func NewDetector(sc config.StreamConfig, classifier *severity.Classifier, logger *slog.Logger, onTickError func(*stream.TickError)) (*stream.Detector, error) {
	return stream.New(sc.Name, sc.DetectorConfig(),
		stream.WithLogger(logger),
		stream.WithClassifier(classifier),
		stream.WithTickErrorHook(onTickError),
	)
}

// SinkDeps are the collaborators shared by every stream's sinks.
type SinkDeps struct {
	// Shared receives every record of every stream (journal, websocket hub).
	// It is never closed by the stream.
	Shared     alerts.Sink
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewSink composes the stream's alert sinks. Log sinks see every record;
// webhook and Kafka sinks only see anomalies at or above the sink's
// min_severity, or the stream's when the sink sets none.
func NewSink(sc config.StreamConfig, deps SinkDeps) (alerts.Fanout, error) {
	var out alerts.Fanout
	if deps.Shared != nil {
		out = append(out, alerts.SinkFunc(deps.Shared.Send))
	}

	for i, s := range sc.Sinks {
		var sink alerts.Sink
		filtered := true
		switch s.Type {
		case config.SinkLog:
			sink = alerts.NewLogSink(deps.Logger)
			filtered = s.MinSeverity != ""
		case config.SinkWebhook:
			sink = alerts.NewWebhookSink(s.URL, deps.HTTPClient, s.Headers)
		case config.SinkKafka:
			k, err := alerts.NewKafkaSink(alerts.KafkaConfig{Brokers: s.Brokers, Topic: s.Topic})
			if err != nil {
				out.Close()
				return nil, fmt.Errorf("stream %s: sink[%d]: %w", sc.Name, i, err)
			}
			sink = k
		default:
			out.Close()
			return nil, fmt.Errorf("stream %s: sink[%d]: unknown type %q", sc.Name, i, s.Type)
		}

		if filtered {
			minTier := sc.MinTier()
			if s.MinSeverity != "" {
				t, err := severity.ParseTier(s.MinSeverity)
				if err != nil {
					out.Close()
					return nil, fmt.Errorf("stream %s: sink[%d]: %w", sc.Name, i, err)
				}
				minTier = t
			}
			sink = alerts.NewFilter(sink, minTier)
		}
		out = append(out, sink)
	}
	return out, nil
}
