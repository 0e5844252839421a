package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
)

// Metrics compares predictions with ground truth. Positive means anomalous.
type Metrics struct {
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	TrueNegatives  int     `json:"trueNegatives"`
	FalseNegatives int     `json:"falseNegatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	Accuracy       float64 `json:"accuracy"`
}

// Evaluate scores predicted labels (-1 anomalous, 1 normal) against truth.
// Undefined ratios are reported as 0.
func Evaluate(truth []bool, predicted []int) (Metrics, error) {
	if len(truth) != len(predicted) {
		return Metrics{}, fmt.Errorf("truth has %d labels, predictions have %d", len(truth), len(predicted))
	}
	var m Metrics
	for i, actual := range truth {
		flagged := predicted[i] == models.LabelAnomaly
		switch {
		case actual && flagged:
			m.TruePositives++
		case !actual && flagged:
			m.FalsePositives++
		case actual && !flagged:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}
	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Accuracy = ratio(m.TruePositives+m.TrueNegatives, len(truth))
	return m, nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Truth extracts ground-truth flags from a stream. column may name a metric
// (non-zero is anomalous) or a label (non-empty and not "normal", "0" or
// "false" is anomalous). Observations without the column count as normal.
func Truth(stream []features.Observation, column string) ([]bool, error) {
	if column == "" {
		return nil, fmt.Errorf("truth column is empty")
	}
	out := make([]bool, len(stream))
	found := false
	for i, o := range stream {
		if v, ok := o.Metrics[column]; ok {
			out[i] = v != 0
			found = true
			continue
		}
		if v, ok := o.Labels[column]; ok {
			found = true
			out[i] = labelIsAnomalous(v)
		}
	}
	if !found && len(stream) > 0 {
		return nil, fmt.Errorf("truth column %q not present in stream", column)
	}
	return out, nil
}

func labelIsAnomalous(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" || v == "normal" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return true
}
