package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/severity"
)

// Monday 2025-01-06 00:00 UTC.
var monday = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func rec(hoursFromMonday int, anomalous bool, score float64, tier severity.Tier, metrics map[string]float64) severity.Record {
	label := models.LabelNormal
	if anomalous {
		label = models.LabelAnomaly
	}
	return severity.Record{
		ID:        "r" + time.Duration(hoursFromMonday*int(time.Hour)).String(),
		Stream:    "web",
		Timestamp: monday.Add(time.Duration(hoursFromMonday) * time.Hour),
		Source:    "web-1",
		Label:     label,
		Score:     score,
		Severity:  tier,
		Metrics:   metrics,
	}
}

func normalMetrics() map[string]float64 {
	return map[string]float64{MetricCPU: 0.3, MetricNetwork: 0.2, MetricLogins: 3}
}

func TestAttributeAttack(t *testing.T) {
	tests := []struct {
		name string
		r    severity.Record
		want string
	}{
		{"explicit label", func() severity.Record {
			r := rec(12, true, -0.2, severity.High, normalMetrics())
			r.Labels = map[string]string{LabelAttackType: "brute_force"}
			return r
		}(), AttackBruteForce},
		{"network spike", rec(12, true, -0.2, severity.High, map[string]float64{MetricNetwork: 0.95, MetricCPU: 0.9, MetricLogins: 20}), AttackDDoS},
		{"login spike", rec(12, true, -0.2, severity.High, map[string]float64{MetricNetwork: 0.2, MetricLogins: 53}), AttackBruteForce},
		{"cpu saturation", rec(12, true, -0.2, severity.High, map[string]float64{MetricCPU: 0.85}), AttackResourceExhaustion},
		{"night time", rec(3, true, -0.2, severity.Low, normalMetrics()), AttackOffHours},
		{"evening", rec(18, true, -0.2, severity.Low, normalMetrics()), AttackOffHours},
		{"business hours", rec(17, true, -0.2, severity.Low, normalMetrics()), AttackUnknown},
		{"network at threshold", rec(12, true, -0.2, severity.Medium, map[string]float64{MetricNetwork: 0.8}), AttackUnknown},
		{"logins at threshold", rec(12, true, -0.2, severity.Medium, map[string]float64{MetricLogins: 15}), AttackUnknown},
		{"cpu at threshold", rec(12, true, -0.2, severity.Medium, map[string]float64{MetricCPU: 0.8}), AttackUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AttributeAttack(severity.Table{}, tt.r))
		})
	}
}

func TestAttributeAttack_CustomTable(t *testing.T) {
	table := severity.Table{
		Rules: []severity.Rule{
			{Metric: MetricNetwork, Steps: []severity.Step{{Above: 0.5, Points: 2}}},
			{Metric: MetricLogins, Steps: []severity.Step{{Above: 30, Points: 3}}},
		},
		Critical: 5, High: 3, Medium: 2,
	}

	assert.Equal(t, AttackDDoS, AttributeAttack(table, rec(12, true, -0.2, severity.High, map[string]float64{MetricNetwork: 0.6})))
	assert.Equal(t, AttackUnknown, AttributeAttack(table, rec(12, true, -0.2, severity.High, map[string]float64{MetricLogins: 20})))
	assert.Equal(t, AttackBruteForce, AttributeAttack(table, rec(12, true, -0.2, severity.High, map[string]float64{MetricLogins: 31})))
	// No cpu rule in the table, so cpu never attributes.
	assert.Equal(t, AttackUnknown, AttributeAttack(table, rec(12, true, -0.2, severity.High, map[string]float64{MetricCPU: 1})))

	s := Summarize([]severity.Record{rec(12, true, -0.2, severity.High, map[string]float64{MetricNetwork: 0.6})}, 0, table)
	assert.Equal(t, map[string]int{AttackDDoS: 1}, s.ByAttack)
	assert.Equal(t, []string{AttackDDoS}, s.TopAttacks)
}

func TestSummarize(t *testing.T) {
	records := []severity.Record{
		rec(10, false, 0.10, severity.Low, normalMetrics()),
		rec(11, false, 0.05, severity.Low, normalMetrics()),
		// Monday 02:00, off-hours ddos.
		rec(2, true, -0.30, severity.Critical, map[string]float64{MetricCPU: 0.9, MetricNetwork: 1.0, MetricLogins: 4}),
		// Saturday 12:00, brute force.
		rec(5*24+12, true, -0.10, severity.High, map[string]float64{MetricCPU: 0.3, MetricNetwork: 0.2, MetricLogins: 56}),
	}
	records[3].Degraded = true

	s := Summarize(records, 0, severity.Table{})
	assert.Equal(t, "web", s.Stream)
	assert.Equal(t, 4, s.TotalPoints)
	assert.Equal(t, 2, s.Anomalies)
	assert.Equal(t, 50.0, s.AnomalyRate)
	assert.Equal(t, 1, s.Degraded)
	assert.True(t, s.Start.Equal(monday.Add(2*time.Hour)))
	assert.True(t, s.End.Equal(monday.Add((5*24+12)*time.Hour)))

	assert.InDelta(t, -0.30, s.Scores.Min, 1e-12)
	assert.InDelta(t, 0.10, s.Scores.Max, 1e-12)
	assert.InDelta(t, -0.0625, s.Scores.Mean, 1e-12)

	require.NotNil(t, s.AnomalyStats)
	assert.Equal(t, 0.6, s.AnomalyStats.AvgCPU)
	assert.Equal(t, 0.6, s.AnomalyStats.AvgNetwork)
	assert.Equal(t, 30.0, s.AnomalyStats.AvgLogins)
	assert.Equal(t, 56.0, s.AnomalyStats.MaxLogins)
	assert.Equal(t, 1.0, s.AnomalyStats.MaxNetwork)

	assert.Equal(t, 1, s.ByHour[2])
	assert.Equal(t, 1, s.ByHour[12])
	assert.Equal(t, 1, s.ByWeekday[0])
	assert.Equal(t, 1, s.ByWeekday[5])
	assert.Equal(t, 1, s.OffHours)
	assert.Equal(t, 1, s.Weekend)
	assert.Equal(t, map[string]int{"CRITICAL": 1, "HIGH": 1}, s.BySeverity)
	assert.Equal(t, map[string]int{AttackDDoS: 1, AttackBruteForce: 1}, s.ByAttack)

	require.Len(t, s.Top, 2)
	assert.Equal(t, records[2].ID, s.Top[0].ID, "most anomalous first")
	assert.Equal(t, []string{AttackDDoS, AttackBruteForce}, s.TopAttacks)
}

func TestSummarize_TotalPointsAndEmpty(t *testing.T) {
	s := Summarize([]severity.Record{rec(1, true, -0.2, severity.Medium, normalMetrics())}, 40, severity.Table{})
	assert.Equal(t, 40, s.TotalPoints)
	assert.Equal(t, 2.5, s.AnomalyRate)

	empty := Summarize(nil, 0, severity.Table{})
	assert.Zero(t, empty.TotalPoints)
	assert.Zero(t, empty.Anomalies)
	assert.Nil(t, empty.AnomalyStats)
	assert.NotNil(t, empty.BySeverity)
}

func TestEvaluate(t *testing.T) {
	truth := []bool{true, true, false, false, false, true}
	predicted := []int{-1, 1, -1, 1, 1, -1}

	m, err := Evaluate(truth, predicted)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 2, m.TrueNegatives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.InDelta(t, 2.0/3, m.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, m.Recall, 1e-12)
	assert.InDelta(t, 2.0/3, m.F1, 1e-12)
	assert.InDelta(t, 4.0/6, m.Accuracy, 1e-12)

	m, err = Evaluate([]bool{false, false}, []int{1, 1})
	require.NoError(t, err)
	assert.Zero(t, m.Precision)
	assert.Zero(t, m.Recall)
	assert.Zero(t, m.F1)
	assert.Equal(t, 1.0, m.Accuracy)

	_, err = Evaluate([]bool{true}, []int{1, 1})
	assert.Error(t, err)
}

func TestTruth(t *testing.T) {
	stream := []features.Observation{
		{Metrics: map[string]float64{"is_anomaly": 1}},
		{Metrics: map[string]float64{"is_anomaly": 0}},
		{Metrics: map[string]float64{}},
	}
	got, err := Truth(stream, "is_anomaly")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, got)

	labelled := []features.Observation{
		{Labels: map[string]string{"attack_type": "ddos"}},
		{Labels: map[string]string{"attack_type": "normal"}},
		{Labels: map[string]string{"attack_type": "false"}},
		{},
	}
	got, err = Truth(labelled, "attack_type")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, false}, got)

	_, err = Truth(stream, "missing")
	assert.Error(t, err)
	_, err = Truth(stream, "")
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	s := Summarize([]severity.Record{rec(2, true, -0.3, severity.Critical, map[string]float64{MetricNetwork: 1})}, 10, severity.Table{})
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, s))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(10), decoded["totalPoints"])
	assert.Equal(t, float64(1), decoded["anomalies"])
	assert.Equal(t, map[string]any{"CRITICAL": float64(1)}, decoded["bySeverity"])
}

func TestWriteHTML(t *testing.T) {
	records := []severity.Record{
		rec(2, true, -0.3, severity.Critical, map[string]float64{MetricCPU: 0.9, MetricNetwork: 1, MetricLogins: 4}),
		rec(12, false, 0.1, severity.Low, normalMetrics()),
	}
	records[0].Source = "<script>"
	s := Summarize(records, 0, severity.Table{})
	m, err := Evaluate([]bool{true, false}, []int{-1, 1})
	require.NoError(t, err)
	s.Detection = &m

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, s))
	out := buf.String()

	assert.Contains(t, out, "Cloud Environment Threat Detection Report")
	assert.Contains(t, out, "<li><strong>Anomalies Detected:</strong> 1</li>")
	assert.Contains(t, out, "CRITICAL")
	assert.Contains(t, out, AttackDDoS)
	assert.Contains(t, out, "Detection Performance")
	assert.Contains(t, out, "100.0%")
	assert.NotContains(t, out, "<script>", "record fields must be escaped")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestWriteCSV(t *testing.T) {
	records := []severity.Record{
		rec(2, true, -0.3, severity.Critical, map[string]float64{MetricCPU: 0.9, MetricNetwork: 1}),
		rec(3, false, 0.1, severity.Low, map[string]float64{MetricCPU: 0.3, MetricLogins: 2}),
	}
	records[1].Degraded = true

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records, severity.Table{}))

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "stream", "timestamp", "source", "label", "score", "severity", "points",
		MetricCPU, MetricLogins, MetricNetwork, "attack_type", "degraded"}, rows[0])

	assert.Equal(t, "2025-01-06T02:00:00Z", rows[1][2])
	assert.Equal(t, "-1", rows[1][4])
	assert.Equal(t, "CRITICAL", rows[1][6])
	assert.Equal(t, "0.9", rows[1][8])
	assert.Equal(t, "", rows[1][9], "missing metric is empty")
	assert.Equal(t, AttackDDoS, rows[1][11])
	assert.Equal(t, "", rows[2][11], "normal rows carry no attack type")
	assert.Equal(t, "true", rows[2][12])
}
