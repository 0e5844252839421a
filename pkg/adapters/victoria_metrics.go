package adapters

import (
	"context"
	"errors"
	"net/http"
)

// VictoriaMetricsAdapter fetches metrics from VictoriaMetrics via its
// Prometheus-compatible HTTP API, one MetricsQL range query per metric.
//
// If a query returns multiple series, values with the same timestamp are SUMMED.
type VictoriaMetricsAdapter struct {
	// ServerURL is the base URL to VictoriaMetrics, e.g. http://victoria-metrics:8428
	ServerURL string
	// Queries maps metric names to MetricsQL/PromQL expressions.
	Queries map[string]string
	// Source labels the resulting observations.
	Source string
	// StepSeconds controls the resolution (defaults to 60s if <= 0).
	StepSeconds int
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (v *VictoriaMetricsAdapter) Name() string { return "victoria-metrics" }

// Collect implements Source.
func (v *VictoriaMetricsAdapter) Collect(ctx context.Context, windowSeconds int) (*Frame, error) {
	if v.ServerURL == "" || len(v.Queries) == 0 {
		return &Frame{}, errors.New("victoria metrics adapter: ServerURL and Queries are required")
	}
	return collectRange(ctx, "victoria-metrics", v.ServerURL, v.Queries, v.Source, v.StepSeconds, windowSeconds, v.HTTPClient)
}
