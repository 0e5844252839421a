package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/HatiCode/vigil/pkg/severity"
)

// DefaultQuantiles are the score quantiles Summarize reports.
var DefaultQuantiles = []float64{0.5, 0.9, 0.99}

// ParseQuantileLevel parses a quantile level from either p-notation (p90, p95)
// or decimal notation (0.90, 0.95).
//
// Examples:
//   - "p50" → 0.50
//   - "p99" → 0.99
//   - "0.90" → 0.90
//
// Returns error if the format is invalid or value is outside (0, 1].
func ParseQuantileLevel(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantile")
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(s), "p"); ok {
		percentile, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		if percentile <= 0 || percentile > 100 {
			return 0, fmt.Errorf("percentile %v out of range (0, 100]", percentile)
		}
		return percentile / 100.0, nil
	}

	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantile %q: %w", s, err)
	}
	if q <= 0 || q > 1 {
		return 0, fmt.Errorf("quantile %v out of range (0, 1]", q)
	}
	return q, nil
}

// ParseQuantileLevels parses a comma separated list of quantile levels.
func ParseQuantileLevels(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		q, err := ParseQuantileLevel(part)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// FormatQuantileLevel formats a quantile level as p-notation.
//
// Examples:
//   - 0.50 → "p50"
//   - 0.999 → "p99.9"
func FormatQuantileLevel(q float64) string {
	percentile := math.Round(q*1000) / 10
	if percentile == math.Trunc(percentile) {
		return fmt.Sprintf("p%d", int(percentile))
	}
	return fmt.Sprintf("p%.1f", percentile)
}

// ScoreQuantiles returns the anomaly score at each level, keyed by its
// p-notation. Values are linearly interpolated between closest ranks.
func ScoreQuantiles(records []severity.Record, levels []float64) map[string]float64 {
	if len(records) == 0 || len(levels) == 0 {
		return nil
	}
	scores := make([]float64, len(records))
	for i, r := range records {
		scores[i] = r.Score
	}
	sort.Float64s(scores)

	out := make(map[string]float64, len(levels))
	for _, q := range levels {
		out[FormatQuantileLevel(q)] = round(quantile(scores, q), 4)
	}
	return out
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
