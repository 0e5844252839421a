// Package adapters provides the metric sources the detector reads from.
// Each source retrieves raw readings from an external system and shapes them
// into time-ordered Observations for one source.
//
// Available sources:
//   - PrometheusAdapter      - one PromQL range query per metric
//   - VictoriaMetricsAdapter - the same, against VictoriaMetrics
//   - HTTPAdapter            - any REST API with JSON responses, via gjson paths
//   - CSVSource              - a CSV file with a timestamp column
//   - Simulator              - synthetic traffic with injected attacks; degraded
//
// Sources only pull and shape data. Feature building and scoring are left to
// the upper layers.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

// Frame is the result of one Collect call.
type Frame struct {
	Source       string
	Observations []features.Observation
}

// Len returns the number of observations in the frame.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Observations)
}

// Source is the interface every metric source implements.
//
// Collect is synchronous and must respect context cancellation and deadlines.
type Source interface {
	// Collect fetches readings for the last windowSeconds, oldest first.
	Collect(ctx context.Context, windowSeconds int) (*Frame, error)

	// Name returns a short identifier for the source kind.
	// Example: "prometheus", "csv", "simulator".
	Name() string
}

// Degradable is implemented by sources whose readings are not real
// measurements.
type Degradable interface {
	Degraded() bool
}

// IsDegraded reports whether readings from src must be marked degraded.
func IsDegraded(src Source) bool {
	d, ok := src.(Degradable)
	return ok && d.Degraded()
}

// AlignTimestamp truncates ts to a multiple of the step.
func AlignTimestamp(ts time.Time, stepSec int) time.Time {
	return ts.Truncate(time.Duration(stepSec) * time.Second)
}

// Point is one sample of a single metric.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// MergeSeries joins per-metric series into observations keyed by timestamp.
//
// Gaps are forward-filled from the previous timestamp. Timestamps before
// every metric has reported at least once are dropped.
func MergeSeries(source string, series map[string][]Point) ([]features.Observation, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("no series to merge")
	}

	byTS := make(map[int64]map[string]float64)
	for metric, points := range series {
		for _, p := range points {
			key := p.Timestamp.UnixNano()
			m, ok := byTS[key]
			if !ok {
				m = make(map[string]float64, len(series))
				byTS[key] = m
			}
			m[metric] = p.Value
		}
	}

	keys := make([]int64, 0, len(byTS))
	for k := range byTS {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	seen := make(map[string]bool, len(series))
	start := -1
	for i, k := range keys {
		for metric := range byTS[k] {
			seen[metric] = true
		}
		if len(seen) == len(series) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, nil
	}

	// Carry the latest value of each metric into the first complete row.
	last := make(map[string]float64, len(series))
	for _, k := range keys[:start+1] {
		for metric, v := range byTS[k] {
			last[metric] = v
		}
	}

	out := make([]features.Observation, 0, len(keys)-start)
	for i := start; i < len(keys); i++ {
		metrics := make(map[string]float64, len(series))
		if i == start {
			for metric, v := range last {
				metrics[metric] = v
			}
		} else {
			for metric, v := range byTS[keys[i]] {
				metrics[metric] = v
			}
		}
		out = append(out, features.Observation{
			Timestamp: time.Unix(0, keys[i]).UTC(),
			Source:    source,
			Metrics:   metrics,
		})
	}
	return features.ForwardFill(out)
}
