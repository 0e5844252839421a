// Package models provides the baseline anomaly model: a feature Normalizer
// and an isolation forest composed into a TemporalDetector that scores
// metric streams.
package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

// Config holds the TemporalDetector parameters.
type Config struct {
	Contamination    float64
	RandomSeed       uint64
	RollingWindow    int
	NumTrees         int
	MaxSamples       int
	CalendarFeatures bool
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination:    DefaultContamination,
		RandomSeed:       DefaultSeed,
		RollingWindow:    features.DefaultWindow,
		NumTrees:         DefaultNumTrees,
		MaxSamples:       DefaultMaxSamples,
		CalendarFeatures: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RollingWindow < 2 {
		return fmt.Errorf("rolling_window must be >= 2, got %d", c.RollingWindow)
	}
	return c.forest().Validate()
}

func (c Config) forest() ForestConfig {
	return ForestConfig{
		NumTrees:      c.NumTrees,
		MaxSamples:    c.MaxSamples,
		Contamination: c.Contamination,
		Seed:          c.RandomSeed,
	}
}

func (c Config) builder() *features.Builder {
	return features.NewBuilder(
		features.WithWindow(c.RollingWindow),
		features.WithCalendar(c.CalendarFeatures),
	)
}

// Prediction is the model output for one observation.
type Prediction struct {
	Timestamp time.Time
	Source    string
	Label     int
	Score     float64
	Metrics   map[string]float64
	Labels    map[string]string
}

// Anomalous reports whether the prediction is labelled as an anomaly.
func (p Prediction) Anomalous() bool {
	return p.Label == LabelAnomaly
}

// TemporalDetector scores metric streams: it derives temporal features,
// standardizes them and runs them through an isolation forest.
//
// The detector is thread-safe for concurrent Predict calls. Fit swaps in a
// fully built normalizer and forest under the write lock.
type TemporalDetector struct {
	cfg     Config
	builder *features.Builder

	mu           sync.RWMutex
	normalizer   *Normalizer
	forest       *IsolationForest
	fittedAt     time.Time
	trainingSize int
}

// NewTemporalDetector validates cfg and returns an unfitted detector.
func NewTemporalDetector(cfg Config) (*TemporalDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TemporalDetector{cfg: cfg, builder: cfg.builder()}, nil
}

// Config returns the detector configuration.
func (d *TemporalDetector) Config() Config { return d.cfg }

// Fit learns normal behaviour from the stream.
func (d *TemporalDetector) Fit(stream []features.Observation) error {
	frame, err := d.builder.Build(stream)
	if err != nil {
		return fmt.Errorf("build features: %w", err)
	}

	norm := NewNormalizer()
	X, err := norm.FitTransform(frame)
	if err != nil {
		return fmt.Errorf("fit normalizer: %w", err)
	}

	forest, err := NewIsolationForest(d.cfg.forest())
	if err != nil {
		return err
	}
	if err := forest.Fit(X); err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.normalizer = norm
	d.forest = forest
	d.fittedAt = time.Now().UTC()
	d.trainingSize = len(stream)
	return nil
}

// Predict scores every observation of the stream.
func (d *TemporalDetector) Predict(stream []features.Observation) ([]Prediction, error) {
	d.mu.RLock()
	norm, forest := d.normalizer, d.forest
	d.mu.RUnlock()
	if norm == nil || forest == nil {
		return nil, ErrNotFitted
	}

	frame, err := d.builder.Build(stream)
	if err != nil {
		return nil, fmt.Errorf("build features: %w", err)
	}
	X, err := norm.Transform(frame)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	scores, err := forest.Decision(X)
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}

	out := make([]Prediction, len(stream))
	for i, v := range frame.Vectors {
		out[i] = Prediction{
			Timestamp: v.Timestamp,
			Source:    v.Source,
			Label:     labelFor(scores[i]),
			Score:     scores[i],
			Metrics:   v.Values,
			Labels:    v.Labels,
		}
	}
	return out, nil
}

// FitPredict fits on the stream and scores the same stream.
func (d *TemporalDetector) FitPredict(stream []features.Observation) ([]Prediction, error) {
	if err := d.Fit(stream); err != nil {
		return nil, err
	}
	return d.Predict(stream)
}

// Fitted reports whether the detector has a fitted model.
func (d *TemporalDetector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.forest != nil
}

// Schema returns the feature schema the detector was fitted on, or nil.
func (d *TemporalDetector) Schema() features.Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.normalizer == nil {
		return nil
	}
	return d.normalizer.Schema()
}

// FittedAt returns when the detector was last fitted.
func (d *TemporalDetector) FittedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fittedAt
}
