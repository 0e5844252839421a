package models

import (
	"errors"
	"math"
	"testing"

	"github.com/HatiCode/vigil/pkg/features"
)

func TestNormalizer_StandardizesColumns(t *testing.T) {
	frame, err := features.NewBuilder().Build(syntheticStream(1, 60))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	n := NewNormalizer()
	Z, err := n.FitTransform(frame)
	if err != nil {
		t.Fatalf("FitTransform() error = %v", err)
	}

	for j, name := range frame.Schema {
		var sum, ss float64
		for _, row := range Z {
			sum += row[j]
		}
		mean := sum / float64(len(Z))
		for _, row := range Z {
			ss += (row[j] - mean) * (row[j] - mean)
		}
		std := math.Sqrt(ss / float64(len(Z)))

		if math.Abs(mean) > 1e-9 {
			t.Errorf("column %s mean = %v, want ~0", name, mean)
		}
		// 60 hourly points starting Monday midnight never reach a weekend.
		if name == features.FeatureIsWeekend {
			if std != 0 {
				t.Errorf("constant column %s std = %v, want 0", name, std)
			}
			continue
		}
		if math.Abs(std-1) > 1e-9 {
			t.Errorf("column %s std = %v, want ~1", name, std)
		}
	}
}

func TestNormalizer_ConstantColumn(t *testing.T) {
	schema := features.Schema{"a", "b"}
	rows := [][]float64{{1, 7}, {2, 7}, {3, 7}}

	n := NewNormalizer()
	if err := n.FitMatrix(schema, rows); err != nil {
		t.Fatalf("FitMatrix() error = %v", err)
	}
	Z, err := n.TransformMatrix(schema, [][]float64{{2, 7}, {2, 1000}})
	if err != nil {
		t.Fatalf("TransformMatrix() error = %v", err)
	}
	for i, row := range Z {
		if row[1] != 0 {
			t.Errorf("row %d constant column = %v, want 0", i, row[1])
		}
		if row[0] != 0 {
			t.Errorf("row %d mean-valued column = %v, want 0", i, row[0])
		}
	}
}

func TestNormalizer_Errors(t *testing.T) {
	schema := features.Schema{"a"}

	n := NewNormalizer()
	if _, err := n.TransformMatrix(schema, [][]float64{{1}}); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Transform before Fit error = %v, want ErrNotFitted", err)
	}
	if err := n.FitMatrix(schema, [][]float64{{1}}); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Fit on one row error = %v, want ErrInsufficientData", err)
	}
	if err := n.FitMatrix(schema, [][]float64{{1}, {2}}); err != nil {
		t.Fatalf("FitMatrix() error = %v", err)
	}
	if _, err := n.TransformMatrix(features.Schema{"b"}, [][]float64{{1}}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Transform with other schema error = %v, want ErrSchemaMismatch", err)
	}
}
