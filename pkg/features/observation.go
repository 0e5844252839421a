// Package features turns raw metric streams into feature vectors for the
// anomaly models.
//
// A stream is an ordered slice of Observations from one source. The Builder
// derives calendar fields (hour, day of week, weekend flag) from each
// timestamp and trailing rolling statistics (mean and sample standard
// deviation) for every numeric metric. The first W-1 positions of a stream do
// not have a full window; their rolling values are back-filled from position
// W-1 so downstream consumers never see missing values.
package features

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrInsufficientData is returned when a stream is too short for the
	// requested statistics.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrIncomplete is returned when observations in one stream do not share
	// the same metric-name set.
	ErrIncomplete = errors.New("incomplete observation")

	// ErrOutOfOrder is returned when timestamps in a stream go backwards.
	ErrOutOfOrder = errors.New("observations out of order")
)

// Observation is a single point in time for one source.
// Example: {Timestamp: 2025-01-01T10:00:00Z, Source: "web-1", Metrics: {"cpu_usage": 0.31}}
type Observation struct {
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// Clone returns a deep copy of the observation.
func (o Observation) Clone() Observation {
	c := Observation{
		Timestamp: o.Timestamp,
		Source:    o.Source,
		Metrics:   make(map[string]float64, len(o.Metrics)),
	}
	for k, v := range o.Metrics {
		c.Metrics[k] = v
	}
	if len(o.Labels) > 0 {
		c.Labels = make(map[string]string, len(o.Labels))
		for k, v := range o.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// Metric returns the named metric value, or 0 when it is absent.
func (o Observation) Metric(name string) float64 {
	return o.Metrics[name]
}

// reserved names are never treated as numeric features: they are either
// derived by the builder or carry ground-truth labels.
var reserved = map[string]bool{
	"hour":        true,
	"day_of_week": true,
	"is_weekend":  true,
	"anomaly":     true,
	"is_anomaly":  true,
	"label":       true,
}

// NumericMetrics returns the sorted names of the feature-eligible metrics of
// an observation.
func NumericMetrics(o Observation) []string {
	names := make([]string, 0, len(o.Metrics))
	for name := range o.Metrics {
		if !reserved[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ForwardFill imputes missing metrics by copying the most recent earlier
// value of the same metric. The input is not modified.
//
// A metric that is missing before its first appearance cannot be filled and
// yields ErrIncomplete.
func ForwardFill(stream []Observation) ([]Observation, error) {
	names := make(map[string]struct{})
	for _, o := range stream {
		for name := range o.Metrics {
			names[name] = struct{}{}
		}
	}

	last := make(map[string]float64, len(names))
	out := make([]Observation, len(stream))
	for i, o := range stream {
		c := o.Clone()
		for name := range names {
			if v, ok := c.Metrics[name]; ok {
				last[name] = v
				continue
			}
			prev, ok := last[name]
			if !ok {
				return nil, fmt.Errorf("%w: metric %q missing at position %d with no earlier value", ErrIncomplete, name, i)
			}
			c.Metrics[name] = prev
		}
		out[i] = c
	}
	return out, nil
}
