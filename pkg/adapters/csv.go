package adapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
)

// DefaultTimestampColumn is the column CSVSource reads timestamps from.
const DefaultTimestampColumn = "timestamp"

var csvTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CSVSource reads observations from a CSV file with a header row.
//
// Columns whose non-empty cells all parse as numbers become metrics; every
// other column is carried as a label. Empty metric cells are left missing,
// or forward filled when Fill is set.
type CSVSource struct {
	Path string
	// TimestampColumn defaults to "timestamp".
	TimestampColumn string
	// Source labels the resulting observations.
	Source string
	// Fill forward fills missing metric cells.
	Fill bool
}

func (c *CSVSource) Name() string { return "csv" }

// Collect implements Source. windowSeconds <= 0 returns every row; otherwise
// only rows within windowSeconds of the newest row are returned.
func (c *CSVSource) Collect(ctx context.Context, windowSeconds int) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return &Frame{}, err
	}
	if c.Path == "" {
		return &Frame{}, errors.New("csv source: Path is required")
	}

	f, err := os.Open(c.Path)
	if err != nil {
		return &Frame{}, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	obs, err := ReadCSV(f, c.TimestampColumn, c.Source)
	if err != nil {
		return &Frame{}, fmt.Errorf("read %s: %w", c.Path, err)
	}
	if c.Fill {
		if obs, err = features.ForwardFill(obs); err != nil {
			return &Frame{}, err
		}
	}

	if windowSeconds > 0 && len(obs) > 0 {
		cutoff := obs[len(obs)-1].Timestamp.Add(-time.Duration(windowSeconds) * time.Second)
		i := sort.Search(len(obs), func(i int) bool { return obs[i].Timestamp.After(cutoff) })
		obs = obs[i:]
	}
	return &Frame{Source: c.Source, Observations: obs}, nil
}

// ReadCSV parses a CSV document into observations sorted by timestamp.
func ReadCSV(r io.Reader, tsColumn, source string) ([]features.Observation, error) {
	if tsColumn == "" {
		tsColumn = DefaultTimestampColumn
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("empty csv")
	}

	header := records[0]
	tsIdx := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == tsColumn {
			tsIdx = i
		}
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("timestamp column %q not found", tsColumn)
	}
	rows := records[1:]

	numeric := make([]bool, len(header))
	for col := range header {
		if col == tsIdx {
			continue
		}
		numeric[col] = true
		for _, row := range rows {
			cell := cellAt(row, col)
			if cell == "" {
				continue
			}
			if _, _, err := parseMetric(cell); err != nil {
				numeric[col] = false
				break
			}
		}
	}

	out := make([]features.Observation, 0, len(rows))
	for n, row := range rows {
		ts, err := parseCSVTime(cellAt(row, tsIdx))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n+2, err)
		}
		o := features.Observation{
			Timestamp: ts,
			Source:    source,
			Metrics:   make(map[string]float64, len(header)-1),
		}
		for col, name := range header {
			if col == tsIdx {
				continue
			}
			cell := cellAt(row, col)
			if cell == "" {
				continue
			}
			if numeric[col] {
				// Non-finite readings are left missing for imputation.
				if v, finite, _ := parseMetric(cell); finite {
					o.Metrics[name] = v
				}
				continue
			}
			if o.Labels == nil {
				o.Labels = make(map[string]string)
			}
			o.Labels[name] = cell
		}
		out = append(out, o)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// parseMetric parses a numeric cell and reports whether the value is finite.
func parseMetric(cell string) (float64, bool, error) {
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, false, err
	}
	return v, !math.IsNaN(v) && !math.IsInf(v, 0), nil
}

func cellAt(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseCSVTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(int64(sec), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
