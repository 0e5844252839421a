// Package report turns scored records into summary statistics, detection
// metrics and human-readable reports.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/HatiCode/vigil/pkg/severity"
)

// Metric names the summary reads from records.
const (
	MetricCPU     = "cpu_usage"
	MetricNetwork = "network_traffic"
	MetricLogins  = "login_attempts"
)

// Attack types assigned by AttributeAttack.
const (
	AttackDDoS               = "ddos"
	AttackBruteForce         = "brute_force"
	AttackResourceExhaustion = "resource_exhaustion"
	AttackOffHours           = "off_hours"
	AttackUnknown            = "unknown"
)

// LabelAttackType is the record label that, when present, names the attack
// directly.
const LabelAttackType = "attack_type"

// Business hours are 09:00 through 17:59.
const (
	businessStart = 9
	businessEnd   = 17
)

const topAnomalies = 10

// Summary aggregates one analysis run or one stream's history.
type Summary struct {
	Stream      string    `json:"stream,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`

	TotalPoints int       `json:"totalPoints"`
	Anomalies   int       `json:"anomalies"`
	AnomalyRate float64   `json:"anomalyRatePercent"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Degraded    int       `json:"degraded,omitempty"`

	AnomalyStats *AnomalyStats `json:"anomalyStats,omitempty"`
	Scores       ScoreStats    `json:"scores"`

	ByHour     [24]int        `json:"byHour"`
	ByWeekday  [7]int         `json:"byWeekday"`
	OffHours   int            `json:"offHours"`
	Weekend    int            `json:"weekend"`
	BySeverity map[string]int `json:"bySeverity"`
	ByAttack   map[string]int `json:"byAttack"`

	Top []severity.Record `json:"top,omitempty"`
	// TopAttacks holds AttributeAttack for each entry of Top.
	TopAttacks []string `json:"topAttacks,omitempty"`

	Detection *Metrics `json:"detection,omitempty"`
}

// AnomalyStats describes the raw metrics over anomalous points.
type AnomalyStats struct {
	AvgCPU     float64 `json:"avgCpuUsage"`
	AvgNetwork float64 `json:"avgNetworkTraffic"`
	AvgLogins  float64 `json:"avgLoginAttempts"`
	MaxCPU     float64 `json:"maxCpuUsage"`
	MaxNetwork float64 `json:"maxNetworkTraffic"`
	MaxLogins  float64 `json:"maxLoginAttempts"`
}

// ScoreStats summarizes anomaly scores over every record.
type ScoreStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	// Quantiles maps p-notation levels to scores, DefaultQuantiles unless
	// replaced by the caller.
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
}

// Summarize aggregates records. totalPoints is the number of analysed
// observations; pass 0 when records holds every scored point. table drives
// attack attribution; the zero Table selects severity.DefaultTable.
//
// Hour, weekday, off-hours, weekend, severity and attack counts cover
// anomalous records only.
func Summarize(records []severity.Record, totalPoints int, table severity.Table) Summary {
	table = tableOrDefault(table)
	if totalPoints < len(records) {
		totalPoints = len(records)
	}
	s := Summary{
		GeneratedAt: time.Now().UTC(),
		TotalPoints: totalPoints,
		BySeverity:  make(map[string]int),
		ByAttack:    make(map[string]int),
	}
	if len(records) == 0 {
		return s
	}

	streams := make(map[string]struct{})
	var anomalies []severity.Record
	var scoreSum float64
	s.Scores.Min = math.Inf(1)
	s.Scores.Max = math.Inf(-1)
	s.Start, s.End = records[0].Timestamp, records[0].Timestamp

	for _, r := range records {
		streams[r.Stream] = struct{}{}
		if r.Timestamp.Before(s.Start) {
			s.Start = r.Timestamp
		}
		if r.Timestamp.After(s.End) {
			s.End = r.Timestamp
		}
		scoreSum += r.Score
		s.Scores.Min = math.Min(s.Scores.Min, r.Score)
		s.Scores.Max = math.Max(s.Scores.Max, r.Score)
		if r.Degraded {
			s.Degraded++
		}
		if r.Anomalous() {
			anomalies = append(anomalies, r)
		}
	}
	s.Scores.Mean = scoreSum / float64(len(records))
	s.Scores.Quantiles = ScoreQuantiles(records, DefaultQuantiles)
	if len(streams) == 1 {
		s.Stream = records[0].Stream
	}

	s.Anomalies = len(anomalies)
	s.AnomalyRate = round(100*float64(s.Anomalies)/float64(s.TotalPoints), 2)
	if len(anomalies) == 0 {
		return s
	}

	stats := &AnomalyStats{}
	for _, r := range anomalies {
		ts := r.Timestamp.UTC()
		s.ByHour[ts.Hour()]++
		s.ByWeekday[(int(ts.Weekday())+6)%7]++
		if isOffHours(ts) {
			s.OffHours++
		}
		if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
			s.Weekend++
		}
		s.BySeverity[r.Severity.String()]++
		s.ByAttack[AttributeAttack(table, r)]++

		cpu, net, logins := r.Metrics[MetricCPU], r.Metrics[MetricNetwork], r.Metrics[MetricLogins]
		stats.AvgCPU += cpu
		stats.AvgNetwork += net
		stats.AvgLogins += logins
		stats.MaxCPU = math.Max(stats.MaxCPU, cpu)
		stats.MaxNetwork = math.Max(stats.MaxNetwork, net)
		stats.MaxLogins = math.Max(stats.MaxLogins, logins)
	}
	n := float64(len(anomalies))
	stats.AvgCPU = round(stats.AvgCPU/n, 3)
	stats.AvgNetwork = round(stats.AvgNetwork/n, 3)
	stats.AvgLogins = round(stats.AvgLogins/n, 1)
	s.AnomalyStats = stats

	sort.SliceStable(anomalies, func(i, j int) bool { return anomalies[i].Score < anomalies[j].Score })
	s.Top = anomalies[:min(topAnomalies, len(anomalies))]
	s.TopAttacks = make([]string, len(s.Top))
	for i, r := range s.Top {
		s.TopAttacks[i] = AttributeAttack(table, r)
	}
	return s
}

// AttributeAttack names the most likely attack behind a record. An explicit
// attack_type label wins; otherwise a metric strictly above the top step of
// its rule in table decides, and anomalies that match no pattern outside
// business hours are off_hours. The zero Table selects severity.DefaultTable.
func AttributeAttack(table severity.Table, r severity.Record) string {
	if t := r.Labels[LabelAttackType]; t != "" {
		return t
	}
	table = tableOrDefault(table)
	m := r.Metrics
	switch {
	case table.Exceeds(MetricNetwork, m[MetricNetwork]):
		return AttackDDoS
	case table.Exceeds(MetricLogins, m[MetricLogins]):
		return AttackBruteForce
	case table.Exceeds(MetricCPU, m[MetricCPU]):
		return AttackResourceExhaustion
	case isOffHours(r.Timestamp.UTC()):
		return AttackOffHours
	default:
		return AttackUnknown
	}
}

func tableOrDefault(t severity.Table) severity.Table {
	if len(t.Rules) == 0 {
		return severity.DefaultTable()
	}
	return t
}

func isOffHours(ts time.Time) bool {
	h := ts.Hour()
	return h < businessStart || h > businessEnd
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
