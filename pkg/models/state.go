package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/HatiCode/vigil/pkg/features"
)

// StateVersion is the current persisted state format.
const StateVersion = 1

// State is the persisted form of a fitted TemporalDetector.
type State struct {
	Version       int             `json:"version"`
	RollingWindow int             `json:"rolling_window"`
	Calendar      bool            `json:"calendar"`
	Features      []string        `json:"features"`
	Normalizer    NormalizerState `json:"normalizer"`
	Forest        ForestState     `json:"forest"`
	FittedAt      time.Time       `json:"fitted_at"`
	TrainingSize  int             `json:"training_size"`
}

// ForestState is the persisted form of a fitted IsolationForest.
type ForestState struct {
	Seed          uint64   `json:"seed"`
	NumTrees      int      `json:"num_trees"`
	MaxSamples    int      `json:"max_samples"`
	SampleSize    int      `json:"sample_size"`
	Contamination float64  `json:"contamination"`
	Offset        float64  `json:"offset"`
	Features      int      `json:"features"`
	Trees         [][]Node `json:"trees"`
}

// State exports the fitted model.
func (d *TemporalDetector) State() (*State, error) {
	d.mu.RLock()
	norm, forest := d.normalizer, d.forest
	fittedAt, size := d.fittedAt, d.trainingSize
	d.mu.RUnlock()
	if norm == nil || forest == nil {
		return nil, ErrNotFitted
	}

	ns, err := norm.state()
	if err != nil {
		return nil, err
	}

	forest.mu.RLock()
	fs := ForestState{
		Seed:          forest.cfg.Seed,
		NumTrees:      forest.cfg.NumTrees,
		MaxSamples:    forest.cfg.MaxSamples,
		SampleSize:    forest.sampleSize,
		Contamination: forest.cfg.Contamination,
		Offset:        forest.offset,
		Features:      forest.features,
		Trees:         forest.trees,
	}
	forest.mu.RUnlock()

	return &State{
		Version:       StateVersion,
		RollingWindow: d.cfg.RollingWindow,
		Calendar:      d.cfg.CalendarFeatures,
		Features:      norm.Schema(),
		Normalizer:    ns,
		Forest:        fs,
		FittedAt:      fittedAt,
		TrainingSize:  size,
	}, nil
}

// Config returns the detector configuration recorded in the state.
func (s *State) Config() Config {
	return Config{
		Contamination:    s.Forest.Contamination,
		RandomSeed:       s.Forest.Seed,
		RollingWindow:    s.RollingWindow,
		NumTrees:         s.Forest.NumTrees,
		MaxSamples:       s.Forest.MaxSamples,
		CalendarFeatures: s.Calendar,
	}
}

// Marshal encodes the state as JSON, snappy-compressed when compress is true.
func (s *State) Marshal(compress bool) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if compress {
		return snappy.Encode(nil, data), nil
	}
	return data, nil
}

// LoadState decodes a state produced by Marshal. Compression is detected
// from the payload. When expected is non-nil the stored feature schema must
// match it exactly, otherwise ErrSchemaMismatch is returned.
func LoadState(data []byte, expected features.Schema) (*State, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty state")
	}
	if data[0] != '{' {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress state: %w", err)
		}
		data = decoded
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if s.Version != StateVersion {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	if expected != nil && !features.Schema(s.Features).Equal(expected) {
		return nil, fmt.Errorf("%w: state fitted on %v, expected %v", ErrSchemaMismatch, s.Features, expected)
	}
	if len(s.Forest.Trees) == 0 {
		return nil, fmt.Errorf("state has no trees")
	}
	if s.Forest.Features != len(s.Features) {
		return nil, fmt.Errorf("forest fitted on %d features, state lists %d", s.Forest.Features, len(s.Features))
	}
	return &s, nil
}

// FromState rebuilds a fitted TemporalDetector.
func FromState(s *State) (*TemporalDetector, error) {
	d, err := NewTemporalDetector(s.Config())
	if err != nil {
		return nil, fmt.Errorf("state config: %w", err)
	}
	schema := features.Schema(s.Features)
	norm, err := normalizerFromState(schema, s.Normalizer)
	if err != nil {
		return nil, err
	}
	forest, err := NewIsolationForest(d.cfg.forest())
	if err != nil {
		return nil, err
	}
	for i, tree := range s.Forest.Trees {
		if err := validateTree(tree, s.Forest.Features); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	forest.trees = s.Forest.Trees
	forest.sampleSize = s.Forest.SampleSize
	forest.features = s.Forest.Features
	forest.offset = s.Forest.Offset
	forest.fitted = true

	d.normalizer = norm
	d.forest = forest
	d.fittedAt = s.FittedAt
	d.trainingSize = s.TrainingSize
	return d, nil
}

func validateTree(tree []Node, nFeatures int) error {
	if len(tree) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range tree {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, nFeatures)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(tree) || n.Right >= len(tree) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}
