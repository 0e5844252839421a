package features

import (
	"fmt"
	"time"
)

// DefaultWindow is the rolling window used when none is configured.
const DefaultWindow = 5

// Calendar feature names.
const (
	FeatureHour      = "hour"
	FeatureDayOfWeek = "day_of_week"
	FeatureIsWeekend = "is_weekend"
)

const (
	suffixMean = "_rolling_mean"
	suffixStd  = "_rolling_std"
)

// RollingMeanName returns the feature name of a metric's rolling mean.
func RollingMeanName(metric string) string { return metric + suffixMean }

// RollingStdName returns the feature name of a metric's rolling standard deviation.
func RollingStdName(metric string) string { return metric + suffixStd }

// Schema is the ordered list of numeric feature names of a Frame.
type Schema []string

// Equal reports whether two schemas name the same features in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Vector is the derived feature record for one observation.
type Vector struct {
	Timestamp   time.Time
	Source      string
	Labels      map[string]string
	Hour        int
	DayOfWeek   int
	IsWeekend   bool
	Values      map[string]float64
	RollingMean map[string]float64
	RollingStd  map[string]float64
}

// Feature returns the value of a named numeric feature.
func (v Vector) Feature(name string) (float64, bool) {
	switch name {
	case FeatureHour:
		return float64(v.Hour), true
	case FeatureDayOfWeek:
		return float64(v.DayOfWeek), true
	case FeatureIsWeekend:
		if v.IsWeekend {
			return 1, true
		}
		return 0, true
	}
	if x, ok := v.Values[name]; ok {
		return x, true
	}
	if len(name) > len(suffixMean) && name[len(name)-len(suffixMean):] == suffixMean {
		x, ok := v.RollingMean[name[:len(name)-len(suffixMean)]]
		return x, ok
	}
	if len(name) > len(suffixStd) && name[len(name)-len(suffixStd):] == suffixStd {
		x, ok := v.RollingStd[name[:len(name)-len(suffixStd)]]
		return x, ok
	}
	return 0, false
}

// Frame is the output of a Build: one Vector per input observation.
type Frame struct {
	Schema  Schema
	Metrics []string
	Vectors []Vector
}

// Len returns the number of vectors in the frame.
func (f Frame) Len() int { return len(f.Vectors) }

// Row returns vector i laid out in schema order.
func (f Frame) Row(i int) []float64 {
	row := make([]float64, len(f.Schema))
	v := f.Vectors[i]
	for j, name := range f.Schema {
		row[j], _ = v.Feature(name)
	}
	return row
}

// Matrix returns every vector laid out in schema order.
func (f Frame) Matrix() [][]float64 {
	m := make([][]float64, len(f.Vectors))
	for i := range f.Vectors {
		m[i] = f.Row(i)
	}
	return m
}

// Builder derives feature vectors from metric streams.
type Builder struct {
	window   int
	calendar bool
	location *time.Location
}

// Option configures a Builder.
type Option func(*Builder)

// WithWindow sets the rolling window size.
func WithWindow(w int) Option {
	return func(b *Builder) { b.window = w }
}

// WithCalendar enables or disables the hour/day/weekend features.
func WithCalendar(enabled bool) Option {
	return func(b *Builder) { b.calendar = enabled }
}

// WithLocation sets the time zone used to derive calendar features.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) {
		if loc != nil {
			b.location = loc
		}
	}
}

// NewBuilder creates a Builder with a window of DefaultWindow, calendar
// features on and UTC timestamps.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		window:   DefaultWindow,
		calendar: true,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Window returns the rolling window size.
func (b *Builder) Window() int { return b.window }

// Calendar reports whether calendar features are produced.
func (b *Builder) Calendar() bool { return b.calendar }

// Schema returns the feature schema the builder produces for the given
// metric names. The names must already be sorted.
func (b *Builder) Schema(metrics []string) Schema {
	s := make(Schema, 0, len(metrics)*3+3)
	s = append(s, metrics...)
	if b.calendar {
		s = append(s, FeatureHour, FeatureDayOfWeek, FeatureIsWeekend)
	}
	for _, m := range metrics {
		s = append(s, RollingMeanName(m), RollingStdName(m))
	}
	return s
}

// Build derives one Vector per observation, preserving order.
//
// The stream must be non-decreasing in time, every observation must carry the
// same metric names and the stream must hold at least Window observations.
func (b *Builder) Build(stream []Observation) (Frame, error) {
	if b.window < 2 {
		return Frame{}, fmt.Errorf("rolling window must be >= 2, got %d", b.window)
	}
	if len(stream) < b.window {
		return Frame{}, fmt.Errorf("%w: %d observations, rolling window needs %d", ErrInsufficientData, len(stream), b.window)
	}

	metrics := NumericMetrics(stream[0])
	if len(metrics) == 0 {
		return Frame{}, fmt.Errorf("%w: no numeric metrics", ErrIncomplete)
	}
	for i, obs := range stream {
		if i > 0 && obs.Timestamp.Before(stream[i-1].Timestamp) {
			return Frame{}, fmt.Errorf("%w: position %d (%s) precedes %s", ErrOutOfOrder, i, obs.Timestamp.Format(time.RFC3339), stream[i-1].Timestamp.Format(time.RFC3339))
		}
		n := 0
		for name := range obs.Metrics {
			if !reserved[name] {
				n++
			}
		}
		if n != len(metrics) {
			return Frame{}, fmt.Errorf("%w: position %d has %d metrics, expected %d", ErrIncomplete, i, n, len(metrics))
		}
		for _, m := range metrics {
			if _, ok := obs.Metrics[m]; !ok {
				return Frame{}, fmt.Errorf("%w: position %d missing metric %q", ErrIncomplete, i, m)
			}
		}
	}

	windows := make([]*Rolling, len(metrics))
	for j := range windows {
		windows[j] = NewRolling(b.window)
	}

	vectors := make([]Vector, len(stream))
	for i, obs := range stream {
		ts := obs.Timestamp.In(b.location)
		dow := (int(ts.Weekday()) + 6) % 7
		v := Vector{
			Timestamp:   obs.Timestamp,
			Source:      obs.Source,
			Labels:      copyLabels(obs.Labels),
			Hour:        ts.Hour(),
			DayOfWeek:   dow,
			IsWeekend:   dow >= 5,
			Values:      make(map[string]float64, len(metrics)),
			RollingMean: make(map[string]float64, len(metrics)),
			RollingStd:  make(map[string]float64, len(metrics)),
		}
		for j, m := range metrics {
			x := obs.Metrics[m]
			v.Values[m] = x
			windows[j].Push(x)
			if windows[j].Full() {
				v.RollingMean[m] = windows[j].Mean()
				v.RollingStd[m] = windows[j].Std()
			}
		}
		vectors[i] = v
	}

	first := b.window - 1
	for i := 0; i < first; i++ {
		for _, m := range metrics {
			vectors[i].RollingMean[m] = vectors[first].RollingMean[m]
			vectors[i].RollingStd[m] = vectors[first].RollingStd[m]
		}
	}

	return Frame{
		Schema:  b.Schema(metrics),
		Metrics: metrics,
		Vectors: vectors,
	}, nil
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
