package stream

import (
	"testing"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

func point(i int) features.Observation {
	return features.Observation{
		Timestamp: time.Unix(int64(i), 0),
		Metrics:   map[string]float64{"v": float64(i)},
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 3; i++ {
		if r.Push(point(i)) {
			t.Errorf("Push(%d) evicted before the ring was full", i)
		}
	}
	if !r.Push(point(3)) {
		t.Error("Push into a full ring should evict")
	}
	r.Push(point(4))

	if r.Len() != 3 || len(r.buf) != 3 {
		t.Fatalf("Len() = %d, capacity = %d, want 3, 3", r.Len(), len(r.buf))
	}
	got := r.Snapshot()
	for i, want := range []float64{2, 3, 4} {
		if got[i].Metrics["v"] != want {
			t.Errorf("Snapshot()[%d] = %v, want %v", i, got[i].Metrics["v"], want)
		}
	}
}

func TestRing_Tail(t *testing.T) {
	r := NewRing(5)
	if r.Tail(3) != nil {
		t.Error("Tail() of an empty ring should be nil")
	}
	for i := 0; i < 8; i++ {
		r.Push(point(i))
	}

	tests := []struct {
		k    int
		want []float64
	}{
		{1, []float64{7}},
		{3, []float64{5, 6, 7}},
		{5, []float64{3, 4, 5, 6, 7}},
		{9, []float64{3, 4, 5, 6, 7}},
	}
	for _, tt := range tests {
		got := r.Tail(tt.k)
		if len(got) != len(tt.want) {
			t.Errorf("Tail(%d) len = %d, want %d", tt.k, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Metrics["v"] != tt.want[i] {
				t.Errorf("Tail(%d)[%d] = %v, want %v", tt.k, i, got[i].Metrics["v"], tt.want[i])
			}
		}
	}
}
