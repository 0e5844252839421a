// Package stream runs the anomaly model online: observations arrive one at a
// time into a bounded buffer, the model is fitted once enough history has
// accumulated, and every later observation is scored against a short
// trailing window.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HatiCode/vigil/pkg/features"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/severity"
)

// Defaults for the online detector.
const (
	DefaultBufferCapacity   = 1000
	DefaultMinTrainingSize  = 50
	DefaultPredictionWindow = 10
)

// ErrWarm is returned by Restore when the detector already has a model.
var ErrWarm = errors.New("detector already fitted")

// State is the lifecycle state of a Detector.
type State int

const (
	// Cold means no model has been fitted yet; observations are buffered only.
	Cold State = iota
	// Warm means a model is fitted and every observation is scored.
	Warm
)

func (s State) String() string {
	if s == Warm {
		return "warm"
	}
	return "cold"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the online detector parameters.
type Config struct {
	Model            models.Config
	BufferCapacity   int
	MinTrainingSize  int
	PredictionWindow int
}

// DefaultConfig returns the default online configuration.
func DefaultConfig() Config {
	return Config{
		Model:            models.DefaultConfig(),
		BufferCapacity:   DefaultBufferCapacity,
		MinTrainingSize:  DefaultMinTrainingSize,
		PredictionWindow: DefaultPredictionWindow,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	w := c.Model.RollingWindow
	if c.MinTrainingSize < w || c.MinTrainingSize < 2 {
		return fmt.Errorf("min_training_size must be >= rolling_window (%d) and >= 2, got %d", w, c.MinTrainingSize)
	}
	if c.BufferCapacity < c.MinTrainingSize {
		return fmt.Errorf("buffer_capacity (%d) must be >= min_training_size (%d)", c.BufferCapacity, c.MinTrainingSize)
	}
	if c.PredictionWindow < w {
		return fmt.Errorf("prediction_window must be >= rolling_window (%d), got %d", w, c.PredictionWindow)
	}
	if c.PredictionWindow > c.BufferCapacity {
		return fmt.Errorf("prediction_window (%d) must be <= buffer_capacity (%d)", c.PredictionWindow, c.BufferCapacity)
	}
	return nil
}

// TickError describes a failed online tick. Tick errors are logged and
// counted; the detector state is left unchanged.
type TickError struct {
	Stream string
	Stage  string
	Err    error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Stage, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Stats is a point-in-time view of a Detector.
type Stats struct {
	Stream     string    `json:"stream"`
	State      State     `json:"state"`
	BufferSize int       `json:"buffer_size"`
	Observed   uint64    `json:"observed"`
	Scored     uint64    `json:"scored"`
	Anomalies  uint64    `json:"anomalies"`
	TickErrors uint64    `json:"tick_errors"`
	Fits       uint64    `json:"fits"`
	FittedAt   time.Time `json:"fitted_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClassifier sets the severity classifier used to build records.
func WithClassifier(c *severity.Classifier) Option {
	return func(d *Detector) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithTickErrorHook registers a function called for every failed tick. The
// hook runs on the observing goroutine and must not block.
func WithTickErrorHook(fn func(*TickError)) Option {
	return func(d *Detector) { d.onTickError = fn }
}

// Detector is the online anomaly detector for one stream.
//
// Observe is meant to be called from a single goroutine. Refit, Snapshot and
// Model may be called concurrently with it: the fitted model is held behind
// an atomic pointer and replaced wholesale, never mutated in place.
type Detector struct {
	name        string
	cfg         Config
	logger      *slog.Logger
	classifier  *severity.Classifier
	onTickError func(*TickError)

	mu        sync.Mutex
	ring      *Ring
	lastError string

	model atomic.Pointer[models.TemporalDetector]

	observed   atomic.Uint64
	scored     atomic.Uint64
	anomalies  atomic.Uint64
	tickErrors atomic.Uint64
	fits       atomic.Uint64
}

// New validates cfg and returns a Cold detector for the named stream.
func New(name string, cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", name, err)
	}
	d := &Detector{
		name:       name,
		cfg:        cfg,
		logger:     slog.Default(),
		classifier: severity.NewClassifier(severity.DefaultTable()),
		ring:       NewRing(cfg.BufferCapacity),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name returns the stream name.
func (d *Detector) Name() string { return d.name }

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// State returns Cold until a model is fitted or restored, Warm afterwards.
func (d *Detector) State() State {
	if d.model.Load() == nil {
		return Cold
	}
	return Warm
}

// Model returns the current fitted model, or nil while Cold.
func (d *Detector) Model() *models.TemporalDetector {
	return d.model.Load()
}

// Observe buffers obs and, when Warm, scores it. It returns the Record for
// obs and true when a prediction was made. The tick that completes the
// initial training emits nothing.
func (d *Detector) Observe(obs features.Observation) (severity.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ring.Push(obs)
	d.observed.Add(1)

	model := d.model.Load()
	if model == nil {
		if d.ring.Len() < d.cfg.MinTrainingSize {
			return severity.Record{}, false
		}
		if err := d.fit(d.ring.Snapshot()); err != nil {
			d.tickFailed("fit", err)
			return severity.Record{}, false
		}
		d.logger.Info("detector trained",
			"stream", d.name,
			"observations", d.ring.Len(),
		)
		return severity.Record{}, false
	}

	// A restored detector may not have a full rolling window yet.
	if d.ring.Len() < d.cfg.Model.RollingWindow {
		return severity.Record{}, false
	}
	return d.score(model, d.ring.Tail(d.cfg.PredictionWindow), false)
}

// ObserveDegraded scores a reading from a fallback source. The reading is
// never buffered, so it cannot train, refit or persist a model: a Cold
// detector returns false, and a Warm one scores it against the newest real
// observations. The resulting Record is marked Degraded.
func (d *Detector) ObserveDegraded(obs features.Observation) (severity.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observed.Add(1)
	model := d.model.Load()
	if model == nil {
		return severity.Record{}, false
	}
	window := append(d.ring.Tail(d.cfg.PredictionWindow-1), obs)
	if len(window) < d.cfg.Model.RollingWindow {
		return severity.Record{}, false
	}
	return d.score(model, window, true)
}

// score classifies the last observation of window. d.mu must be held.
func (d *Detector) score(model *models.TemporalDetector, window []features.Observation, degraded bool) (severity.Record, bool) {
	preds, err := model.Predict(window)
	if err != nil {
		d.tickFailed("predict", err)
		return severity.Record{}, false
	}

	rec := d.classifier.Record(d.name, preds[len(preds)-1], degraded)
	d.scored.Add(1)
	if rec.Anomalous() {
		d.anomalies.Add(1)
	}
	return rec, true
}

func (d *Detector) fit(buf []features.Observation) error {
	m, err := models.NewTemporalDetector(d.cfg.Model)
	if err != nil {
		return err
	}
	if err := m.Fit(buf); err != nil {
		return err
	}
	d.model.Store(m)
	d.fits.Add(1)
	return nil
}

func (d *Detector) tickFailed(stage string, err error) {
	te := &TickError{Stream: d.name, Stage: stage, Err: err}
	d.tickErrors.Add(1)
	d.lastError = te.Error()
	d.logger.Warn("tick failed",
		"stream", d.name,
		"stage", stage,
		"error", err,
	)
	if d.onTickError != nil {
		d.onTickError(te)
	}
}

// Refit fits a new model over the current buffer and swaps it in. Scoring
// in progress keeps using the previous model.
func (d *Detector) Refit() error {
	d.mu.Lock()
	buf := d.ring.Snapshot()
	d.mu.Unlock()

	if len(buf) < d.cfg.MinTrainingSize {
		return fmt.Errorf("%w: buffer holds %d observations, need %d", models.ErrInsufficientData, len(buf), d.cfg.MinTrainingSize)
	}
	if err := d.fit(buf); err != nil {
		return fmt.Errorf("refit stream %s: %w", d.name, err)
	}
	d.logger.Info("detector refitted", "stream", d.name, "observations", len(buf))
	return nil
}

// Restore installs a previously persisted model, moving a Cold detector to
// Warm. The state must have been fitted with the same rolling window.
func (d *Detector) Restore(st *models.State) error {
	if d.model.Load() != nil {
		return ErrWarm
	}
	if st.RollingWindow != d.cfg.Model.RollingWindow || st.Calendar != d.cfg.Model.CalendarFeatures {
		return fmt.Errorf("%w: state uses rolling_window=%d calendar=%v, stream %s uses %d/%v",
			models.ErrSchemaMismatch, st.RollingWindow, st.Calendar, d.name, d.cfg.Model.RollingWindow, d.cfg.Model.CalendarFeatures)
	}
	m, err := models.FromState(st)
	if err != nil {
		return fmt.Errorf("restore stream %s: %w", d.name, err)
	}
	if !d.model.CompareAndSwap(nil, m) {
		return ErrWarm
	}
	d.logger.Info("detector restored", "stream", d.name, "fitted_at", st.FittedAt)
	return nil
}

// Snapshot returns the current counters and state.
func (d *Detector) Snapshot() Stats {
	d.mu.Lock()
	size, lastErr := d.ring.Len(), d.lastError
	d.mu.Unlock()

	s := Stats{
		Stream:     d.name,
		State:      d.State(),
		BufferSize: size,
		Observed:   d.observed.Load(),
		Scored:     d.scored.Load(),
		Anomalies:  d.anomalies.Load(),
		TickErrors: d.tickErrors.Load(),
		Fits:       d.fits.Load(),
		LastError:  lastErr,
	}
	if m := d.model.Load(); m != nil {
		s.FittedAt = m.FittedAt()
	}
	return s
}
