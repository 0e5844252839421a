package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// rangeServer answers query_range calls with the body registered for the query.
func rangeServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, ok := bodies[r.URL.Query().Get("query")]
		if !ok {
			http.Error(w, "unknown query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
}

func TestPrometheusAdapter_MergesMetrics(t *testing.T) {
	server := rangeServer(t, map[string]string{
		"cpu": `{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{},"values":[[1700000000,"0.3"],[1700000060,"0.4"],[1700000120,"0.5"]]}]}}`,
		"net": `{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{},"values":[[1700000000,"0.2"],[1700000120,"0.25"]]}]}}`,
	})
	defer server.Close()

	ad := &PrometheusAdapter{
		ServerURL:   server.URL,
		Queries:     map[string]string{"cpu_usage": "cpu", "network_traffic": "net"},
		Source:      "web-1",
		StepSeconds: 60,
	}

	frame, err := ad.Collect(context.Background(), 600)
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if frame.Len() != 3 {
		t.Fatalf("expected 3 observations, got %d", frame.Len())
	}
	if frame.Source != "web-1" {
		t.Errorf("frame source = %q, want web-1", frame.Source)
	}

	want := []struct {
		cpu, net float64
	}{
		{0.3, 0.2},
		{0.4, 0.2}, // network forward filled
		{0.5, 0.25},
	}
	for i, o := range frame.Observations {
		if o.Metrics["cpu_usage"] != want[i].cpu || o.Metrics["network_traffic"] != want[i].net {
			t.Errorf("obs %d metrics = %v, want cpu=%v net=%v", i, o.Metrics, want[i].cpu, want[i].net)
		}
		if o.Source != "web-1" {
			t.Errorf("obs %d source = %q", i, o.Source)
		}
		wantTS := time.Unix(1700000000+int64(i)*60, 0).UTC()
		if !o.Timestamp.Equal(wantTS) {
			t.Errorf("obs %d timestamp = %v, want %v", i, o.Timestamp, wantTS)
		}
	}
}

func TestPrometheusAdapter_QueryFailure(t *testing.T) {
	server := rangeServer(t, map[string]string{
		"cpu": `{"status":"success","data":{"resultType":"matrix","result":[]}}`,
	})
	defer server.Close()

	ad := &PrometheusAdapter{
		ServerURL: server.URL,
		Queries:   map[string]string{"cpu_usage": "cpu", "login_attempts": "missing"},
	}
	if _, err := ad.Collect(context.Background(), 600); err == nil {
		t.Fatal("expected error for failing query")
	}
}

func TestPrometheusAdapter_ErrorStatus(t *testing.T) {
	server := rangeServer(t, map[string]string{
		"cpu": `{"status":"error","data":{"resultType":"matrix","result":[]}}`,
	})
	defer server.Close()

	ad := &PrometheusAdapter{ServerURL: server.URL, Queries: map[string]string{"cpu_usage": "cpu"}}
	if _, err := ad.Collect(context.Background(), 600); err == nil {
		t.Fatal("expected error for non-success status")
	}
}

func TestPrometheusAdapter_ValidatesConfig(t *testing.T) {
	ad := &PrometheusAdapter{}
	if _, err := ad.Collect(context.Background(), 60); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if name := ad.Name(); name != "prometheus" {
		t.Fatalf("expected name 'prometheus', got %q", name)
	}
}

func TestAggregateRangeResult(t *testing.T) {
	series := []PrometheusRangeSerie{
		{Values: [][]any{{float64(1700000060), "2"}, {float64(1700000000), "1"}}},
		{Values: [][]any{{float64(1700000000), "10"}}},
	}
	points, err := AggregateRangeResult(series)
	if err != nil {
		t.Fatalf("AggregateRangeResult: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Value != 11 || points[1].Value != 2 {
		t.Errorf("values = %v, %v; want 11, 2", points[0].Value, points[1].Value)
	}
	if !points[0].Timestamp.Before(points[1].Timestamp) {
		t.Error("points not sorted")
	}

	bad := []PrometheusRangeSerie{{Values: [][]any{{float64(1)}}}}
	if _, err := AggregateRangeResult(bad); err == nil {
		t.Error("expected error for short value pair")
	}
	bad = []PrometheusRangeSerie{{Values: [][]any{{float64(1), "abc"}}}}
	if _, err := AggregateRangeResult(bad); err == nil {
		t.Error("expected error for unparsable value")
	}
}
