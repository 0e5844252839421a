package severity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/vigil/pkg/features"
)

// Step awards Points when a metric is strictly above Above.
type Step struct {
	Above  float64 `yaml:"above" json:"above"`
	Points int     `yaml:"points" json:"points"`
}

// Rule scores one metric. Only the highest matching step counts.
type Rule struct {
	Metric string `yaml:"metric" json:"metric"`
	Steps  []Step `yaml:"steps" json:"steps"`
}

// Table maps metric values to points and point totals to tiers. Tier bounds
// are inclusive lower bounds.
type Table struct {
	Rules    []Rule `yaml:"rules" json:"rules"`
	Critical int    `yaml:"critical" json:"critical"`
	High     int    `yaml:"high" json:"high"`
	Medium   int    `yaml:"medium" json:"medium"`
}

// DefaultTable returns the built-in thresholds for cpu, network and
// authentication metrics.
func DefaultTable() Table {
	return Table{
		Rules: []Rule{
			{Metric: "cpu_usage", Steps: []Step{{0.8, 3}, {0.6, 2}, {0.4, 1}}},
			{Metric: "network_traffic", Steps: []Step{{0.8, 3}, {0.5, 1}}},
			{Metric: "login_attempts", Steps: []Step{{15, 3}, {8, 1}}},
		},
		Critical: 6,
		High:     4,
		Medium:   2,
	}
}

// LoadTable decodes a YAML table and validates it.
func LoadTable(r io.Reader) (Table, error) {
	var t Table
	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decode severity table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t.normalized(), nil
}

// LoadTableFile reads a YAML table from path.
func LoadTableFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("open severity table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

// Validate checks the rules and tier bounds.
func (t Table) Validate() error {
	if len(t.Rules) == 0 {
		return errors.New("severity table has no rules")
	}
	seen := make(map[string]bool, len(t.Rules))
	for _, r := range t.Rules {
		if r.Metric == "" {
			return errors.New("severity rule without metric")
		}
		if seen[r.Metric] {
			return fmt.Errorf("duplicate severity rule for %q", r.Metric)
		}
		seen[r.Metric] = true
		if len(r.Steps) == 0 {
			return fmt.Errorf("severity rule %q has no steps", r.Metric)
		}
		for _, s := range r.Steps {
			if s.Points < 0 {
				return fmt.Errorf("severity rule %q has negative points", r.Metric)
			}
		}
	}
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > 0) {
		return fmt.Errorf("tier bounds must satisfy critical > high > medium > 0, got %d/%d/%d", t.Critical, t.High, t.Medium)
	}
	return nil
}

// normalized returns a copy with each rule's steps ordered by descending
// threshold.
func (t Table) normalized() Table {
	out := t
	out.Rules = make([]Rule, len(t.Rules))
	for i, r := range t.Rules {
		steps := append([]Step(nil), r.Steps...)
		sort.Slice(steps, func(a, b int) bool { return steps[a].Above > steps[b].Above })
		out.Rules[i] = Rule{Metric: r.Metric, Steps: steps}
	}
	return out
}

// Points returns the total points for the metric values. Metrics without a
// rule, and rules without a value, contribute nothing.
func (t Table) Points(metrics map[string]float64) int {
	total := 0
	for _, r := range t.Rules {
		v, ok := metrics[r.Metric]
		if !ok {
			continue
		}
		for _, s := range r.Steps {
			if v > s.Above {
				total += s.Points
				break
			}
		}
	}
	return total
}

// Exceeds reports whether value is strictly above the highest step of the
// metric's rule. Metrics without a rule never exceed.
func (t Table) Exceeds(metric string, value float64) bool {
	for _, r := range t.Rules {
		if r.Metric != metric || len(r.Steps) == 0 {
			continue
		}
		top := r.Steps[0].Above
		for _, s := range r.Steps[1:] {
			top = max(top, s.Above)
		}
		return value > top
	}
	return false
}

// TierFor maps a points total to a tier.
func (t Table) TierFor(points int) Tier {
	switch {
	case points >= t.Critical:
		return Critical
	case points >= t.High:
		return High
	case points >= t.Medium:
		return Medium
	default:
		return Low
	}
}

// Classify returns the tier of an observation.
func (t Table) Classify(obs features.Observation) Tier {
	return t.TierFor(t.Points(obs.Metrics))
}
