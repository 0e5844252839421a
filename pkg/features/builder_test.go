package features

import (
	"errors"
	"math"
	"testing"
	"time"
)

func makeStream(start time.Time, step time.Duration, cpu []float64) []Observation {
	out := make([]Observation, len(cpu))
	for i, v := range cpu {
		out[i] = Observation{
			Timestamp: start.Add(time.Duration(i) * step),
			Source:    "web-1",
			Metrics: map[string]float64{
				"cpu_usage":       v,
				"network_traffic": v / 2,
			},
		}
	}
	return out
}

func naiveStd(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func TestBuilder_Calendar(t *testing.T) {
	// 2025-01-03 is a Friday.
	start := time.Date(2025, 1, 3, 22, 0, 0, 0, time.UTC)
	stream := makeStream(start, time.Hour, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})

	frame, err := NewBuilder().Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		idx     int
		hour    int
		dow     int
		weekend bool
	}{
		{0, 22, 4, false},
		{1, 23, 4, false},
		{2, 0, 5, true},
		{5, 3, 5, true},
	}
	for _, tt := range tests {
		v := frame.Vectors[tt.idx]
		if v.Hour != tt.hour || v.DayOfWeek != tt.dow || v.IsWeekend != tt.weekend {
			t.Errorf("vector[%d] = (hour=%d, dow=%d, weekend=%v), want (%d, %d, %v)",
				tt.idx, v.Hour, v.DayOfWeek, v.IsWeekend, tt.hour, tt.dow, tt.weekend)
		}
	}
}

func TestBuilder_MondayIsZero(t *testing.T) {
	// 2025-01-06 is a Monday, 2025-01-12 a Sunday.
	stream := makeStream(time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC), 24*time.Hour, []float64{1, 2, 3, 4, 5, 6, 7})
	frame, err := NewBuilder().Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := frame.Vectors[0].DayOfWeek; got != 0 {
		t.Errorf("Monday DayOfWeek = %d, want 0", got)
	}
	if got := frame.Vectors[6].DayOfWeek; got != 6 {
		t.Errorf("Sunday DayOfWeek = %d, want 6", got)
	}
}

func TestBuilder_Location(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	stream := makeStream(time.Date(2025, 1, 6, 23, 0, 0, 0, time.UTC), time.Minute, []float64{1, 2, 3, 4, 5})
	frame, err := NewBuilder(WithLocation(loc)).Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := frame.Vectors[0].Hour; got != 1 {
		t.Errorf("Hour = %d, want 1", got)
	}
	if got := frame.Vectors[0].DayOfWeek; got != 1 {
		t.Errorf("DayOfWeek = %d, want 1", got)
	}
}

func TestBuilder_RollingStatistics(t *testing.T) {
	cpu := []float64{0.2, 0.4, 0.1, 0.9, 0.3, 0.5, 0.7, 0.2, 0.8, 0.6}
	window := 3
	stream := makeStream(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute, cpu)

	frame, err := NewBuilder(WithWindow(window)).Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for i := window - 1; i < len(cpu); i++ {
		w := cpu[i-window+1 : i+1]
		wantMean := (w[0] + w[1] + w[2]) / 3
		wantStd := naiveStd(w)
		v := frame.Vectors[i]
		if math.Abs(v.RollingMean["cpu_usage"]-wantMean) > 1e-12 {
			t.Errorf("RollingMean[%d] = %v, want %v", i, v.RollingMean["cpu_usage"], wantMean)
		}
		if math.Abs(v.RollingStd["cpu_usage"]-wantStd) > 1e-12 {
			t.Errorf("RollingStd[%d] = %v, want %v", i, v.RollingStd["cpu_usage"], wantStd)
		}
	}
}

func TestBuilder_BackFill(t *testing.T) {
	cpu := []float64{0.9, 0.1, 0.5, 0.7, 0.3, 0.2, 0.6, 0.4}
	for _, window := range []int{2, 3, 5, 8} {
		frame, err := NewBuilder(WithWindow(window)).Build(makeStream(time.Now(), time.Minute, cpu))
		if err != nil {
			t.Fatalf("window %d: Build() error = %v", window, err)
		}
		ref := frame.Vectors[window-1]
		for i := 0; i < window-1; i++ {
			for _, m := range frame.Metrics {
				if frame.Vectors[i].RollingMean[m] != ref.RollingMean[m] {
					t.Errorf("window %d: RollingMean[%d][%s] = %v, want %v", window, i, m, frame.Vectors[i].RollingMean[m], ref.RollingMean[m])
				}
				if frame.Vectors[i].RollingStd[m] != ref.RollingStd[m] {
					t.Errorf("window %d: RollingStd[%d][%s] = %v, want %v", window, i, m, frame.Vectors[i].RollingStd[m], ref.RollingStd[m])
				}
			}
		}
	}
}

func TestBuilder_Schema(t *testing.T) {
	stream := makeStream(time.Now(), time.Minute, []float64{1, 2, 3, 4, 5})
	for i := range stream {
		stream[i].Metrics["anomaly"] = 0
	}

	frame, err := NewBuilder().Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := Schema{
		"cpu_usage", "network_traffic",
		"hour", "day_of_week", "is_weekend",
		"cpu_usage_rolling_mean", "cpu_usage_rolling_std",
		"network_traffic_rolling_mean", "network_traffic_rolling_std",
	}
	if !frame.Schema.Equal(want) {
		t.Errorf("Schema = %v, want %v", frame.Schema, want)
	}

	noCal, err := NewBuilder(WithCalendar(false)).Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(noCal.Schema) != len(want)-3 {
		t.Errorf("Schema without calendar has %d columns, want %d", len(noCal.Schema), len(want)-3)
	}

	row := frame.Row(4)
	if len(row) != len(want) {
		t.Fatalf("Row() len = %d, want %d", len(row), len(want))
	}
	if row[0] != 5 || row[1] != 2.5 {
		t.Errorf("Row() raw values = %v, %v, want 5, 2.5", row[0], row[1])
	}
	if row[5] != 3 {
		t.Errorf("Row() cpu rolling mean = %v, want 3", row[5])
	}
}

func TestBuilder_Errors(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		builder *Builder
		stream  []Observation
		wantErr error
	}{
		{
			name:    "shorter than window",
			builder: NewBuilder(WithWindow(5)),
			stream:  makeStream(base, time.Minute, []float64{1, 2, 3}),
			wantErr: ErrInsufficientData,
		},
		{
			name:    "empty stream",
			builder: NewBuilder(),
			stream:  nil,
			wantErr: ErrInsufficientData,
		},
		{
			name:    "missing metric",
			builder: NewBuilder(WithWindow(2)),
			stream: []Observation{
				{Timestamp: base, Metrics: map[string]float64{"cpu": 1, "net": 1}},
				{Timestamp: base.Add(time.Minute), Metrics: map[string]float64{"cpu": 1}},
			},
			wantErr: ErrIncomplete,
		},
		{
			name:    "renamed metric",
			builder: NewBuilder(WithWindow(2)),
			stream: []Observation{
				{Timestamp: base, Metrics: map[string]float64{"cpu": 1}},
				{Timestamp: base.Add(time.Minute), Metrics: map[string]float64{"mem": 1}},
			},
			wantErr: ErrIncomplete,
		},
		{
			name:    "out of order",
			builder: NewBuilder(WithWindow(2)),
			stream: []Observation{
				{Timestamp: base.Add(time.Minute), Metrics: map[string]float64{"cpu": 1}},
				{Timestamp: base, Metrics: map[string]float64{"cpu": 2}},
			},
			wantErr: ErrOutOfOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build(tt.stream)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Build() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuilder_WindowTooSmall(t *testing.T) {
	_, err := NewBuilder(WithWindow(1)).Build(makeStream(time.Now(), time.Minute, []float64{1, 2, 3}))
	if err == nil {
		t.Fatal("Build() with window 1 should fail")
	}
}

func TestBuilder_DoesNotMutateInput(t *testing.T) {
	stream := makeStream(time.Now(), time.Minute, []float64{1, 2, 3, 4, 5})
	stream[0].Labels = map[string]string{"attack_type": "none"}

	frame, err := NewBuilder().Build(stream)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	frame.Vectors[0].Labels["attack_type"] = "ddos"
	if stream[0].Labels["attack_type"] != "none" {
		t.Error("Build() shares label maps with its input")
	}
	if len(stream[0].Metrics) != 2 {
		t.Errorf("input metrics modified: %v", stream[0].Metrics)
	}
}
