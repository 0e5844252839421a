// Package metrics provides Prometheus metrics instrumentation for the detector.
//
// Metrics exposed:
//   - vigil_collect_seconds: Histogram of metric collection duration per stream and source
//   - vigil_score_seconds: Histogram of the time spent observing one collected frame
//   - vigil_observations_total: Counter of observations fed to the detector
//   - vigil_anomalies_total: Counter of anomalies by severity
//   - vigil_last_score: Gauge of the most recent anomaly score
//   - vigil_detector_warm: Gauge, 1 once the stream has a fitted model
//   - vigil_buffer_size: Gauge of buffered observations
//   - vigil_tick_errors_total: Counter of failed online ticks by stage
//   - vigil_degraded_ticks_total: Counter of ticks served by the fallback source
//   - vigil_alerts_failed_total: Counter of records a sink failed to deliver
//   - vigil_errors_total: Counter of errors by component and reason
//   - vigil_grpc_requests_total / vigil_grpc_request_seconds: gRPC call outcomes and latency
//
// All stream metrics carry a stream label for multi-stream deployments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the detector.
type Metrics struct {
	CollectSeconds     *prometheus.HistogramVec
	ScoreSeconds       *prometheus.HistogramVec
	ObservationsTotal  *prometheus.CounterVec
	AnomaliesTotal     *prometheus.CounterVec
	LastScore          *prometheus.GaugeVec
	DetectorWarm       *prometheus.GaugeVec
	BufferSize         *prometheus.GaugeVec
	TickErrorsTotal    *prometheus.CounterVec
	DegradedTicksTotal *prometheus.CounterVec
	AlertsFailedTotal  *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	GRPCRequestsTotal  *prometheus.CounterVec
	GRPCSeconds        *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CollectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_collect_seconds",
			Help:    "Time spent collecting metrics from the source",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream", "source"}),

		ScoreSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_score_seconds",
			Help:    "Time spent observing and scoring one collected frame",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		ObservationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_observations_total",
			Help: "Observations fed to the online detector",
		}, []string{"stream"}),

		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_anomalies_total",
			Help: "Anomalies detected by severity",
		}, []string{"stream", "severity"}),

		LastScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_last_score",
			Help: "Most recent anomaly score (negative is more anomalous)",
		}, []string{"stream"}),

		DetectorWarm: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_detector_warm",
			Help: "1 when the stream has a fitted model, 0 while cold",
		}, []string{"stream"}),

		BufferSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_buffer_size",
			Help: "Observations held in the streaming buffer",
		}, []string{"stream"}),

		TickErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_tick_errors_total",
			Help: "Failed online ticks by stage",
		}, []string{"stream", "stage"}),

		DegradedTicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_degraded_ticks_total",
			Help: "Ticks served by the simulated fallback source",
		}, []string{"stream"}),

		AlertsFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_alerts_failed_total",
			Help: "Records that could not be delivered to every sink",
		}, []string{"stream"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"stream", "component", "reason"}),

		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_grpc_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),

		GRPCSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_grpc_request_seconds",
			Help:    "gRPC request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordCollect records the time spent collecting metrics.
func (m *Metrics) RecordCollect(stream, source string, seconds float64) {
	m.CollectSeconds.WithLabelValues(stream, source).Observe(seconds)
}

// RecordScore records the time spent observing a frame.
func (m *Metrics) RecordScore(stream string, seconds float64) {
	m.ScoreSeconds.WithLabelValues(stream).Observe(seconds)
}

// RecordObservations adds n observed points.
func (m *Metrics) RecordObservations(stream string, n int) {
	m.ObservationsTotal.WithLabelValues(stream).Add(float64(n))
}

// RecordAnomaly counts one anomaly.
func (m *Metrics) RecordAnomaly(stream, severity string) {
	m.AnomaliesTotal.WithLabelValues(stream, severity).Inc()
}

// SetLastScore sets the most recent score.
func (m *Metrics) SetLastScore(stream string, score float64) {
	m.LastScore.WithLabelValues(stream).Set(score)
}

// SetDetectorState sets the warm gauge and buffer size.
func (m *Metrics) SetDetectorState(stream string, warm bool, bufferSize int) {
	v := 0.0
	if warm {
		v = 1
	}
	m.DetectorWarm.WithLabelValues(stream).Set(v)
	m.BufferSize.WithLabelValues(stream).Set(float64(bufferSize))
}

// RecordTickError counts a failed online tick.
func (m *Metrics) RecordTickError(stream, stage string) {
	m.TickErrorsTotal.WithLabelValues(stream, stage).Inc()
}

// RecordDegradedTick counts a tick served by the fallback source.
func (m *Metrics) RecordDegradedTick(stream string) {
	m.DegradedTicksTotal.WithLabelValues(stream).Inc()
}

// RecordAlertFailure counts a record a sink rejected.
func (m *Metrics) RecordAlertFailure(stream string) {
	m.AlertsFailedTotal.WithLabelValues(stream).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(stream, component, reason string) {
	m.ErrorsTotal.WithLabelValues(stream, component, reason).Inc()
}

// RecordGRPC records one gRPC call.
func (m *Metrics) RecordGRPC(method, code string, seconds float64) {
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCSeconds.WithLabelValues(method).Observe(seconds)
}
