package severity

import (
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
)

// Record is the output of scoring one observation. Records are write-once.
type Record struct {
	ID        string             `json:"id"`
	Stream    string             `json:"stream,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source,omitempty"`
	Label     int                `json:"label"`
	Score     float64            `json:"score"`
	Severity  Tier               `json:"severity"`
	Points    int                `json:"points"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Degraded  bool               `json:"degraded,omitempty"`
}

// Anomalous reports whether the record is labelled as an anomaly.
func (r Record) Anomalous() bool {
	return r.Label == models.LabelAnomaly
}

// Classifier turns predictions into Records using a points table.
type Classifier struct {
	table Table
}

// NewClassifier returns a Classifier for the table. The zero Table selects
// DefaultTable.
func NewClassifier(table Table) *Classifier {
	if len(table.Rules) == 0 {
		table = DefaultTable()
	}
	return &Classifier{table: table.normalized()}
}

// Table returns the points table in use.
func (c *Classifier) Table() Table { return c.table }

// Classify returns the tier of an observation.
func (c *Classifier) Classify(obs features.Observation) Tier {
	return c.table.Classify(obs)
}

// Record builds the Anomaly Record for a prediction.
func (c *Classifier) Record(stream string, p models.Prediction, degraded bool) Record {
	metrics := make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		metrics[k] = v
	}
	var labels map[string]string
	if len(p.Labels) > 0 {
		labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			labels[k] = v
		}
	}
	points := c.table.Points(metrics)
	return Record{
		ID:        uuid.NewString(),
		Stream:    stream,
		Timestamp: p.Timestamp,
		Source:    p.Source,
		Label:     p.Label,
		Score:     p.Score,
		Severity:  c.table.TierFor(points),
		Points:    points,
		Metrics:   metrics,
		Labels:    labels,
		Degraded:  degraded,
	}
}

var defaultClassifier = NewClassifier(DefaultTable())

// Classify returns the tier of an observation under DefaultTable.
func Classify(obs features.Observation) Tier {
	return defaultClassifier.Classify(obs)
}
