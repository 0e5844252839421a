package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/HatiCode/vigil/pkg/severity"
)

// WriteJSON writes s as indented JSON.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

var weekdays = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts":      func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
	"weekday": func(i int) string { return weekdays[i] },
	"pct":     func(f float64) string { return strconv.FormatFloat(100*f, 'f', 1, 64) + "%" },
	"num":     func(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) },
	"tiers":   func() []string { return []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"} },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Threat Detection Report{{with .Stream}} - {{.}}{{end}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 40px; }
h1 { color: #2c3e50; }
.summary { background-color: #ecf0f1; padding: 20px; border-radius: 5px; }
.stats { background-color: #e8f5e8; padding: 15px; border-radius: 5px; margin-top: 20px; }
.warning { background-color: #fdf2e9; padding: 15px; border-radius: 5px; margin-top: 20px; }
table { border-collapse: collapse; margin-top: 10px; }
th, td { border: 1px solid #bdc3c7; padding: 4px 10px; text-align: right; }
th { background-color: #dfe6e9; }
</style>
</head>
<body>
<h1>Cloud Environment Threat Detection Report</h1>
<p><strong>Generated on:</strong> {{ts .GeneratedAt}}</p>

<div class="summary">
<h2>Summary Statistics</h2>
<ul>
<li><strong>Total Data Points:</strong> {{.TotalPoints}}</li>
<li><strong>Anomalies Detected:</strong> {{.Anomalies}}</li>
<li><strong>Anomaly Rate:</strong> {{.AnomalyRate}}%</li>
<li><strong>Analysis Period:</strong> {{ts .Start}} to {{ts .End}}</li>
<li><strong>Anomaly Score:</strong> min {{num .Scores.Min}}, mean {{num .Scores.Mean}}, max {{num .Scores.Max}}</li>
{{- range $level, $score := .Scores.Quantiles}}
<li><strong>Score {{$level}}:</strong> {{num $score}}</li>
{{- end}}
{{- if .Degraded}}
<li><strong>Degraded (simulated) Points:</strong> {{.Degraded}}</li>
{{- end}}
</ul>
</div>

{{with .AnomalyStats}}
<div class="stats">
<h2>Anomaly Statistics</h2>
<ul>
<li><strong>Avg CPU Usage:</strong> {{.AvgCPU}}</li>
<li><strong>Avg Network Traffic:</strong> {{.AvgNetwork}}</li>
<li><strong>Avg Login Attempts:</strong> {{.AvgLogins}}</li>
<li><strong>Max CPU Usage:</strong> {{.MaxCPU}}</li>
<li><strong>Max Network Traffic:</strong> {{.MaxNetwork}}</li>
<li><strong>Max Login Attempts:</strong> {{.MaxLogins}}</li>
</ul>
</div>
{{end}}

{{if .Anomalies}}
<h2>Severity</h2>
<table>
<tr>{{range tiers}}<th>{{.}}</th>{{end}}</tr>
<tr>{{range tiers}}<td>{{index $.BySeverity .}}</td>{{end}}</tr>
</table>

<h2>Attack Types</h2>
<table>
<tr><th>Type</th><th>Count</th></tr>
{{range $k, $v := .ByAttack}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>

<h2>Temporal Pattern</h2>
<p><strong>Off-hours:</strong> {{.OffHours}} &nbsp; <strong>Weekend:</strong> {{.Weekend}}</p>
<table>
<tr><th>Hour</th>{{range $h, $n := .ByHour}}<th>{{$h}}</th>{{end}}</tr>
<tr><td>Anomalies</td>{{range .ByHour}}<td>{{.}}</td>{{end}}</tr>
</table>
<table>
<tr>{{range $d, $n := .ByWeekday}}<th>{{weekday $d}}</th>{{end}}</tr>
<tr>{{range .ByWeekday}}<td>{{.}}</td>{{end}}</tr>
</table>

<h2>Top Anomalies</h2>
<table>
<tr><th>Timestamp</th><th>Source</th><th>Score</th><th>Severity</th><th>Attack</th><th>CPU</th><th>Network</th><th>Logins</th></tr>
{{range $i, $r := .Top}}<tr><td>{{ts $r.Timestamp}}</td><td>{{$r.Source}}</td><td>{{num $r.Score}}</td><td>{{$r.Severity}}</td><td>{{index $.TopAttacks $i}}</td><td>{{index $r.Metrics "cpu_usage"}}</td><td>{{index $r.Metrics "network_traffic"}}</td><td>{{index $r.Metrics "login_attempts"}}</td></tr>
{{end}}</table>
{{end}}

{{with .Detection}}
<h2>Detection Performance</h2>
<table>
<tr><th>Precision</th><th>Recall</th><th>F1</th><th>Accuracy</th></tr>
<tr><td>{{pct .Precision}}</td><td>{{pct .Recall}}</td><td>{{pct .F1}}</td><td>{{pct .Accuracy}}</td></tr>
</table>
<table>
<tr><th></th><th>Predicted anomaly</th><th>Predicted normal</th></tr>
<tr><th>Actual anomaly</th><td>{{.TruePositives}}</td><td>{{.FalseNegatives}}</td></tr>
<tr><th>Actual normal</th><td>{{.FalsePositives}}</td><td>{{.TrueNegatives}}</td></tr>
</table>
{{end}}

<div class="warning">
<h2>Recommendations</h2>
<ul>
<li>Monitor high CPU usage patterns that may indicate resource exhaustion attacks</li>
<li>Watch for unusual spikes in network traffic suggesting DDoS attacks</li>
<li>Alert on excessive login attempts indicating brute force attacks</li>
<li>Review activity outside business hours and on weekends</li>
</ul>
</div>
</body>
</html>
`))

// WriteHTML renders s as a standalone HTML page.
func WriteHTML(w io.Writer, s Summary) error {
	if err := htmlReport.Execute(w, s); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// WriteCSV exports records, one row each, with a column per metric seen in
// any record. Anomalies are attributed against table.
func WriteCSV(w io.Writer, records []severity.Record, table severity.Table) error {
	table = tableOrDefault(table)
	metricSet := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Metrics {
			metricSet[k] = struct{}{}
		}
	}
	metrics := make([]string, 0, len(metricSet))
	for k := range metricSet {
		metrics = append(metrics, k)
	}
	sort.Strings(metrics)

	cw := csv.NewWriter(w)
	header := append([]string{"id", "stream", "timestamp", "source", "label", "score", "severity", "points"}, metrics...)
	header = append(header, "attack_type", "degraded")
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, r := range records {
		row = row[:0]
		row = append(row,
			r.ID,
			r.Stream,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Source,
			strconv.Itoa(r.Label),
			strconv.FormatFloat(r.Score, 'f', -1, 64),
			r.Severity.String(),
			strconv.Itoa(r.Points),
		)
		for _, m := range metrics {
			v, ok := r.Metrics[m]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		attack := ""
		if r.Anomalous() {
			attack = AttributeAttack(table, r)
		}
		row = append(row, attack, strconv.FormatBool(r.Degraded))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
