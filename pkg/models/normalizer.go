package models

import (
	"fmt"
	"math"
	"sync"

	"github.com/HatiCode/vigil/pkg/features"
)

// Normalizer standardizes feature columns to zero mean and unit variance
// using the population standard deviation observed at fit time.
//
// Columns that were constant during fit are stored with a scale of 1 and
// always transform to 0.
type Normalizer struct {
	mu       sync.RWMutex
	schema   features.Schema
	mean     []float64
	scale    []float64
	constant []bool
	fitted   bool
}

// NewNormalizer returns an unfitted Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Fit learns per-column mean and scale from the frame.
func (n *Normalizer) Fit(frame features.Frame) error {
	return n.FitMatrix(frame.Schema, frame.Matrix())
}

// FitMatrix learns per-column statistics from rows laid out in schema order.
func (n *Normalizer) FitMatrix(schema features.Schema, rows [][]float64) error {
	if len(rows) < 2 {
		return fmt.Errorf("%w: normalizer needs at least 2 rows, got %d", ErrInsufficientData, len(rows))
	}
	cols := len(schema)
	mean := make([]float64, cols)
	scale := make([]float64, cols)
	constant := make([]bool, cols)

	for j := 0; j < cols; j++ {
		lo, hi := rows[0][j], rows[0][j]
		var sum float64
		for _, r := range rows {
			x := r[j]
			sum += x
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		m := sum / float64(len(rows))
		mean[j] = m

		if lo == hi {
			constant[j] = true
			scale[j] = 1
			continue
		}
		var ss float64
		for _, r := range rows {
			d := r[j] - m
			ss += d * d
		}
		std := math.Sqrt(ss / float64(len(rows)))
		if std == 0 {
			constant[j] = true
			std = 1
		}
		scale[j] = std
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.schema = append(features.Schema(nil), schema...)
	n.mean = mean
	n.scale = scale
	n.constant = constant
	n.fitted = true
	return nil
}

// Transform standardizes every vector of the frame.
func (n *Normalizer) Transform(frame features.Frame) ([][]float64, error) {
	return n.TransformMatrix(frame.Schema, frame.Matrix())
}

// TransformMatrix standardizes rows laid out in schema order. The input is
// not modified.
func (n *Normalizer) TransformMatrix(schema features.Schema, rows [][]float64) ([][]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.fitted {
		return nil, ErrNotFitted
	}
	if !n.schema.Equal(schema) {
		return nil, fmt.Errorf("%w: normalizer fitted on %v, got %v", ErrSchemaMismatch, n.schema, schema)
	}

	out := make([][]float64, len(rows))
	for i, r := range rows {
		z := make([]float64, len(r))
		for j, x := range r {
			if n.constant[j] {
				continue
			}
			z[j] = (x - n.mean[j]) / n.scale[j]
		}
		out[i] = z
	}
	return out, nil
}

// FitTransform fits on the frame and returns its standardized rows.
func (n *Normalizer) FitTransform(frame features.Frame) ([][]float64, error) {
	rows := frame.Matrix()
	if err := n.FitMatrix(frame.Schema, rows); err != nil {
		return nil, err
	}
	return n.TransformMatrix(frame.Schema, rows)
}

// Fitted reports whether Fit has completed.
func (n *Normalizer) Fitted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fitted
}

// Schema returns the feature schema seen at fit time.
func (n *Normalizer) Schema() features.Schema {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append(features.Schema(nil), n.schema...)
}

// NormalizerState is the persisted form of a fitted Normalizer.
type NormalizerState struct {
	Mean     []float64 `json:"mean"`
	Scale    []float64 `json:"scale"`
	Constant []bool    `json:"constant"`
}

func (n *Normalizer) state() (NormalizerState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return NormalizerState{}, ErrNotFitted
	}
	return NormalizerState{
		Mean:     append([]float64(nil), n.mean...),
		Scale:    append([]float64(nil), n.scale...),
		Constant: append([]bool(nil), n.constant...),
	}, nil
}

func normalizerFromState(schema features.Schema, s NormalizerState) (*Normalizer, error) {
	cols := len(schema)
	if len(s.Mean) != cols || len(s.Scale) != cols || len(s.Constant) != cols {
		return nil, fmt.Errorf("normalizer state has %d/%d/%d columns, schema has %d", len(s.Mean), len(s.Scale), len(s.Constant), cols)
	}
	for j, sc := range s.Scale {
		if sc <= 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return nil, fmt.Errorf("normalizer scale for %q is invalid: %v", schema[j], sc)
		}
	}
	return &Normalizer{
		schema:   append(features.Schema(nil), schema...),
		mean:     append([]float64(nil), s.Mean...),
		scale:    append([]float64(nil), s.Scale...),
		constant: append([]bool(nil), s.Constant...),
		fitted:   true,
	}, nil
}
