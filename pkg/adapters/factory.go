package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Config key prefixes for per-metric settings.
const (
	QueryPrefix = "query."
	ValuePrefix = "value."
)

// New creates a source based on kind and a generic configuration map.
// This is the central extension point for adding new source types.
//
// Supported kinds:
//   - "prometheus":      url, query.<metric>
//   - "victoriametrics": url, query.<metric>
//   - "http":            url, timestampPath, value.<metric>, method, body, headers, templateVars, timestampFormat
//   - "csv":             path, timestampColumn, fill
//   - "simulator":       seed, scenario, days
//
// Every kind accepts "source", the label stamped on observations.
// Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string, stepSeconds int) (Source, error) {
	switch kind {
	case "prometheus":
		return newPrometheus(config, stepSeconds)
	case "victoriametrics":
		return newVictoriaMetrics(config, stepSeconds)
	case "http":
		return newHTTP(config, stepSeconds)
	case "csv":
		return newCSV(config)
	case "simulator":
		return newSimulator(config, stepSeconds)
	default:
		return nil, fmt.Errorf("unknown source kind: %s (must be prometheus, victoriametrics, http, csv, or simulator)", kind)
	}
}

// prefixed collects config entries "<prefix><metric>" into metric -> value.
func prefixed(config map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range config {
		if metric, ok := strings.CutPrefix(k, prefix); ok && metric != "" && v != "" {
			out[metric] = v
		}
	}
	return out
}

func newPrometheus(config map[string]string, stepSeconds int) (Source, error) {
	queries := prefixed(config, QueryPrefix)
	if len(queries) == 0 {
		return nil, fmt.Errorf("prometheus source requires at least one 'query.<metric>' config")
	}

	url := config["url"]
	if url == "" {
		url = "http://localhost:9090"
	}

	return &PrometheusAdapter{
		ServerURL:   url,
		Queries:     queries,
		Source:      config["source"],
		StepSeconds: stepSeconds,
	}, nil
}

func newVictoriaMetrics(config map[string]string, stepSeconds int) (Source, error) {
	queries := prefixed(config, QueryPrefix)
	if len(queries) == 0 {
		return nil, fmt.Errorf("victoriametrics source requires at least one 'query.<metric>' config")
	}

	url := config["url"]
	if url == "" {
		url = "http://localhost:8428"
	}

	return &VictoriaMetricsAdapter{
		ServerURL:   url,
		Queries:     queries,
		Source:      config["source"],
		StepSeconds: stepSeconds,
	}, nil
}

func newHTTP(config map[string]string, stepSeconds int) (Source, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http source requires 'url' config")
	}

	valuePaths := prefixed(config, ValuePrefix)
	timestampPath := config["timestampPath"]
	if len(valuePaths) == 0 || timestampPath == "" {
		return nil, fmt.Errorf("http source requires 'value.<metric>' and 'timestampPath' config")
	}

	method := config["method"]
	if method == "" {
		method = "GET"
	}

	timestampFormat := config["timestampFormat"]
	if timestampFormat == "" {
		timestampFormat = "rfc3339"
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var templateVars map[string]string
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &templateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	h := &HTTPAdapter{
		URL:             url,
		Method:          method,
		Headers:         headers,
		Body:            config["body"],
		ValuePaths:      valuePaths,
		TimestampPath:   timestampPath,
		TimestampFormat: timestampFormat,
		Source:          config["source"],
		StepSeconds:     stepSeconds,
		TemplateVars:    templateVars,
	}
	if err := h.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	return h, nil
}

func newCSV(config map[string]string) (Source, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("csv source requires 'path' config")
	}
	fill := false
	if v := config["fill"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'fill': %w", err)
		}
		fill = b
	}
	return &CSVSource{
		Path:            path,
		TimestampColumn: config["timestampColumn"],
		Source:          config["source"],
		Fill:            fill,
	}, nil
}

func newSimulator(config map[string]string, stepSeconds int) (Source, error) {
	s := &Simulator{
		Source:      config["source"],
		StepSeconds: stepSeconds,
		Seed:        42,
	}
	if v := config["seed"]; v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid 'seed': %w", err)
		}
		s.Seed = seed
	}
	if v := config["days"]; v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			return nil, fmt.Errorf("invalid 'days': %q", v)
		}
		s.Days = days
	}
	attacks, err := ParseScenario(config["scenario"])
	if err != nil {
		return nil, err
	}
	s.Attacks = attacks
	return s, nil
}
