package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// PrometheusAdapter fetches metrics from the Prometheus HTTP API. It issues one
// /api/v1/query_range call per metric and merges the results by timestamp.
//
// If a query returns multiple series, values with the same timestamp are SUMMED.
type PrometheusAdapter struct {
	// ServerURL is the base URL to Prometheus, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Queries maps metric names to PromQL expressions.
	// Example: {"cpu_usage": "avg(rate(node_cpu_seconds_total{mode!=\"idle\"}[5m]))"}
	Queries map[string]string
	// Source labels the resulting observations.
	Source string
	// StepSeconds controls the resolution (defaults to 60s if <= 0).
	StepSeconds int
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (p *PrometheusAdapter) Name() string { return "prometheus" }

// Collect implements Source. It queries Prometheus for the last windowSeconds
// worth of data at StepSeconds resolution.
func (p *PrometheusAdapter) Collect(ctx context.Context, windowSeconds int) (*Frame, error) {
	if p.ServerURL == "" || len(p.Queries) == 0 {
		return &Frame{}, errors.New("prometheus adapter: ServerURL and Queries are required")
	}
	return collectRange(ctx, "prometheus", p.ServerURL, p.Queries, p.Source, p.StepSeconds, windowSeconds, p.HTTPClient)
}

func collectRange(ctx context.Context, kind, serverURL string, queries map[string]string, source string, step, windowSeconds int, cli *http.Client) (*Frame, error) {
	if step <= 0 {
		step = 60
	}
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}
	now := time.Now().UTC().Truncate(time.Second)
	start := now.Add(-time.Duration(windowSeconds) * time.Second)

	metrics := make([]string, 0, len(queries))
	for m := range queries {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	series := make(map[string][]Point, len(metrics))
	for _, m := range metrics {
		points, err := queryRange(ctx, kind, cli, serverURL, queries[m], start, now, step)
		if err != nil {
			return &Frame{}, fmt.Errorf("%s metric %s: %w", kind, m, err)
		}
		series[m] = points
	}

	obs, err := MergeSeries(source, series)
	if err != nil {
		return &Frame{}, err
	}
	return &Frame{Source: source, Observations: obs}, nil
}

func queryRange(ctx context.Context, kind string, cli *http.Client, serverURL, query string, start, end time.Time, step int) ([]Point, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", query)
	q.Set("start", fmt.Sprintf("%d", start.Unix()))
	q.Set("end", fmt.Sprintf("%d", end.Unix()))
	q.Set("step", fmt.Sprintf("%d", step))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", kind, resp.StatusCode)
	}

	var pr PrometheusRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", kind, err)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("%s status: %s", kind, pr.Status)
	}

	return AggregateRangeResult(pr.Data.Result)
}

// PrometheusRangeResponse represents the response from Prometheus (and compatible systems).
type PrometheusRangeResponse struct {
	Status string              `json:"status"`
	Data   PrometheusRangeData `json:"data"`
}

// PrometheusRangeData contains the result data from a range query.
type PrometheusRangeData struct {
	ResultType string                 `json:"resultType"`
	Result     []PrometheusRangeSerie `json:"result"`
}

// PrometheusRangeSerie represents a single time series in the result.
type PrometheusRangeSerie struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// AggregateRangeResult sums all series at each timestamp and returns the
// points ordered by time.
func AggregateRangeResult(series []PrometheusRangeSerie) ([]Point, error) {
	acc := make(map[int64]float64)
	for _, s := range series {
		for _, pair := range s.Values {
			if len(pair) != 2 {
				return nil, fmt.Errorf("invalid value pair length: %d", len(pair))
			}

			var tsSec int64
			switch v := pair[0].(type) {
			case float64:
				tsSec = int64(v)
			case json.Number:
				f, _ := v.Float64()
				tsSec = int64(f)
			default:
				return nil, fmt.Errorf("unexpected timestamp type %T", v)
			}

			var val float64
			switch vv := pair[1].(type) {
			case string:
				f, err := strconv.ParseFloat(vv, 64)
				if err != nil {
					return nil, fmt.Errorf("parse value: %w", err)
				}
				val = f
			case float64:
				val = vv
			case json.Number:
				f, _ := vv.Float64()
				val = f
			default:
				return nil, fmt.Errorf("unexpected value type %T", vv)
			}
			acc[tsSec] += val
		}
	}

	points := make([]Point, 0, len(acc))
	for ts, v := range acc {
		points = append(points, Point{Timestamp: time.Unix(ts, 0).UTC(), Value: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}
