package streams

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/vigil/cmd/detector/config"
	"github.com/HatiCode/vigil/pkg/adapters"
	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseStream() config.StreamConfig {
	calendar := true
	return config.StreamConfig{
		Name:             "web",
		Source:           "simulator",
		SourceConfig:     map[string]string{"scenario": "none"},
		Interval:         time.Minute,
		Window:           time.Hour,
		Step:             time.Minute,
		Fallback:         config.FallbackNone,
		MinSeverity:      "HIGH",
		Contamination:    0.1,
		RandomSeed:       7,
		RollingWindow:    5,
		BufferCapacity:   1000,
		MinTrainingSize:  50,
		PredictionWindow: 10,
		NumTrees:         50,
		MaxSamples:       256,
		CalendarFeatures: &calendar,
	}
}

func record(anomalous bool, tier severity.Tier) severity.Record {
	label := models.LabelNormal
	if anomalous {
		label = models.LabelAnomaly
	}
	return severity.Record{
		ID:        uuid.NewString(),
		Stream:    "web",
		Timestamp: time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC),
		Source:    "web",
		Label:     label,
		Score:     -0.2,
		Severity:  tier,
	}
}

func TestNewSource_LabelsWithStreamName(t *testing.T) {
	src, err := NewSource(baseStream())
	require.NoError(t, err)
	assert.Equal(t, "simulator", src.Name())

	frame, err := src.Collect(context.Background(), 600)
	require.NoError(t, err)
	require.NotZero(t, frame.Len())
	assert.Equal(t, "web", frame.Observations[0].Source)
}

func TestNewSource_UnknownKind(t *testing.T) {
	sc := baseStream()
	sc.Source = "graphite"
	_, err := NewSource(sc)
	assert.ErrorContains(t, err, "unknown source kind")
}

func TestNewFallback(t *testing.T) {
	sc := baseStream()
	assert.Nil(t, NewFallback(sc))

	sc.Fallback = config.FallbackSimulate
	fb := NewFallback(sc)
	require.NotNil(t, fb)
	assert.True(t, adapters.IsDegraded(fb))
}

func TestNewDetector(t *testing.T) {
	var hooked []*stream.TickError
	d, err := NewDetector(baseStream(), severity.NewClassifier(severity.DefaultTable()), discardLogger(),
		func(te *stream.TickError) { hooked = append(hooked, te) })
	require.NoError(t, err)
	assert.Equal(t, "web", d.Name())
	assert.Equal(t, stream.Cold, d.State())
	assert.Equal(t, 50, d.Config().MinTrainingSize)
	assert.Empty(t, hooked)
}

type recorder struct {
	mu   sync.Mutex
	recs []severity.Record
}

func (r *recorder) Send(_ context.Context, rec severity.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) Close() error {
	panic("shared sinks must not be closed by a stream")
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func TestNewSink_Composition(t *testing.T) {
	var (
		mu       sync.Mutex
		received []severity.Tier
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec severity.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, rec.Severity)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hook.Close()

	sc := baseStream()
	sc.Sinks = []config.SinkConfig{
		{Type: config.SinkLog},
		{Type: config.SinkWebhook, URL: hook.URL},
	}
	shared := &recorder{}
	sink, err := NewSink(sc, SinkDeps{Shared: shared, HTTPClient: hook.Client(), Logger: discardLogger()})
	require.NoError(t, err)
	require.Len(t, sink, 3)

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, record(false, severity.Critical)))
	require.NoError(t, sink.Send(ctx, record(true, severity.Medium)))
	require.NoError(t, sink.Send(ctx, record(true, severity.Critical)))

	assert.Equal(t, 3, shared.len(), "shared sink sees every record")
	mu.Lock()
	assert.Equal(t, []severity.Tier{severity.Critical}, received, "webhook only sees anomalies >= HIGH")
	mu.Unlock()

	assert.NoError(t, sink.Close())
}

func TestNewSink_PerSinkSeverity(t *testing.T) {
	sc := baseStream()
	sc.Sinks = []config.SinkConfig{{Type: config.SinkKafka, Brokers: []string{"localhost:9092"}, Topic: "alerts", MinSeverity: "LOW"}}

	sink, err := NewSink(sc, SinkDeps{Logger: discardLogger()})
	require.NoError(t, err)
	require.Len(t, sink, 1)

	f, ok := sink[0].(*alerts.Filter)
	require.True(t, ok)
	assert.Equal(t, severity.Low, f.Min)
	_, isKafka := f.Next.(*alerts.KafkaSink)
	assert.True(t, isKafka)
	assert.NoError(t, sink.Close())
}

func TestNewSink_KafkaRequiresBrokers(t *testing.T) {
	sc := baseStream()
	sc.Sinks = []config.SinkConfig{{Type: config.SinkKafka, Topic: "alerts"}}
	_, err := NewSink(sc, SinkDeps{})
	assert.Error(t, err)
}
