package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCollect("web", "prometheus", 0.2)
	m.RecordScore("web", 0.01)
	m.RecordObservations("web", 12)
	m.RecordAnomaly("web", "HIGH")
	m.SetLastScore("web", -0.3)
	m.SetDetectorState("web", true, 120)
	m.RecordTickError("web", "predict")
	m.RecordDegradedTick("web")
	m.RecordAlertFailure("web")
	m.RecordError("web", "source", "collect_failed")
	m.RecordGRPC("/vigil.v1.Snapshots/GetSnapshot", "OK", 0.001)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 13 {
		t.Errorf("registered %d metric families, want 13", len(families))
	}

	if got := testutil.ToFloat64(m.ObservationsTotal.WithLabelValues("web")); got != 12 {
		t.Errorf("observations = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.DetectorWarm.WithLabelValues("web")); got != 1 {
		t.Errorf("warm = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BufferSize.WithLabelValues("web")); got != 120 {
		t.Errorf("buffer size = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.DegradedTicksTotal.WithLabelValues("web")); got != 1 {
		t.Errorf("degraded ticks = %v, want 1", got)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
