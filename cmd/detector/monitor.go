// Package main implements the per-stream monitoring loop.
//
// This file contains the Monitor type which orchestrates one stream:
//
//	collect → observe new points → deliver records → publish snapshot
//
// The Monitor runs continuously via Run(), executing Tick() at regular
// intervals. When the primary source fails and a fallback is configured,
// the tick is served from the simulator and every resulting record is
// marked degraded. Model state is persisted after every fit and restored on
// startup when a state store is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/HatiCode/vigil/cmd/detector/metrics"
	"github.com/HatiCode/vigil/cmd/detector/router"
	"github.com/HatiCode/vigil/pkg/adapters"
	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/storage"
	"github.com/HatiCode/vigil/pkg/stream"
)

const recentAnomalies = 20

// MonitorConfig groups the collaborators of a Monitor.
type MonitorConfig struct {
	Source   adapters.Source
	Fallback adapters.Source
	Detector *stream.Detector
	Sink     alerts.Sink
	Store    storage.Store
	// States persists model state; nil disables persistence.
	States        storage.StateStore
	CompressState bool
	Interval      time.Duration
	Window        time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Monitor runs one stream.
type Monitor struct {
	name     string
	source   adapters.Source
	fallback adapters.Source
	detector *stream.Detector
	sink     alerts.Sink
	store    storage.Store
	states   storage.StateStore
	compress bool
	interval time.Duration
	window   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// lastSeen tracks the primary source only; lastDegraded dedupes
	// fallback readings without holding back real points.
	lastSeen     time.Time
	lastDegraded time.Time
	latest       *severity.Record
	recent       []severity.Record
	degraded     bool
	lastErr      string

	stateMu   sync.Mutex
	savedFits uint64
}

// NewMonitor creates a Monitor for the detector's stream.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if sim, ok := cfg.Fallback.(*adapters.Simulator); ok && sim.Now == nil {
		sim.Now = cfg.Clock.Now
	}
	return &Monitor{
		name:     cfg.Detector.Name(),
		source:   cfg.Source,
		fallback: cfg.Fallback,
		detector: cfg.Detector,
		sink:     cfg.Sink,
		store:    cfg.Store,
		states:   cfg.States,
		compress: cfg.CompressState,
		interval: cfg.Interval,
		window:   cfg.Window,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("stream", cfg.Detector.Name()),
		metrics:  cfg.Metrics,
	}
}

// Name returns the stream name.
func (m *Monitor) Name() string { return m.name }

// Run restores persisted state, then ticks at the configured interval.
// Blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Restore(ctx); err != nil {
		m.logger.Warn("could not restore detector state, starting cold", "error", err)
	}

	m.logger.Info("starting monitor loop", "interval", m.interval, "window", m.window, "source", m.source.Name())
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	if err := m.Tick(ctx); err != nil {
		m.logger.Error("initial tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Restore loads persisted state into a cold detector. A missing state is
// not an error.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.states == nil {
		return nil
	}
	data, found, err := m.states.LoadState(ctx, m.name)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		return nil
	}
	st, err := models.LoadState(data, nil)
	if err != nil {
		return err
	}
	if err := m.detector.Restore(st); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.savedFits = m.detector.Snapshot().Fits
	m.stateMu.Unlock()
	return nil
}

// Tick performs one monitoring cycle. Exported for testing purposes.
func (m *Monitor) Tick(ctx context.Context) error {
	start := m.clock.Now()

	frame, degraded, err := m.collect(ctx)
	if err != nil {
		m.lastErr = err.Error()
		m.publish(ctx)
		return fmt.Errorf("collect: %w", err)
	}
	m.degraded = degraded
	m.lastErr = ""

	observed, scored := m.observe(ctx, frame, degraded)
	if m.metrics != nil {
		m.metrics.RecordScore(m.name, m.clock.Since(start).Seconds())
	}

	if err := m.persist(ctx); err != nil {
		m.logger.Error("failed to save detector state", "error", err)
		if m.metrics != nil {
			m.metrics.RecordError(m.name, "state", "save_failed")
		}
	}

	if err := m.publish(ctx); err != nil {
		if m.metrics != nil {
			m.metrics.RecordError(m.name, "store", "put_failed")
		}
		return fmt.Errorf("store: %w", err)
	}

	m.logger.Debug("tick complete",
		"observed", observed,
		"scored", scored,
		"degraded", degraded,
		"state", m.detector.State(),
		"total_ms", m.clock.Since(start).Milliseconds(),
	)
	return nil
}

// collect reads the window from the primary source, falling back to the
// simulator when configured.
func (m *Monitor) collect(ctx context.Context) (*adapters.Frame, bool, error) {
	windowSeconds := int(m.window.Seconds())

	start := m.clock.Now()
	frame, err := m.source.Collect(ctx, windowSeconds)
	if err == nil {
		if m.metrics != nil {
			m.metrics.RecordCollect(m.name, m.source.Name(), m.clock.Since(start).Seconds())
		}
		return frame, adapters.IsDegraded(m.source), nil
	}

	if m.metrics != nil {
		m.metrics.RecordError(m.name, "source", "collect_failed")
	}
	if m.fallback == nil || errors.Is(err, context.Canceled) {
		return nil, false, err
	}

	m.logger.Warn("source failed, serving simulated readings", "source", m.source.Name(), "error", err)
	if m.metrics != nil {
		m.metrics.RecordDegradedTick(m.name)
	}
	frame, fbErr := m.fallback.Collect(ctx, windowSeconds)
	if fbErr != nil {
		return nil, false, errors.Join(err, fmt.Errorf("fallback: %w", fbErr))
	}
	return frame, true, nil
}

// observe feeds points newer than the last one seen to the detector and
// delivers every record produced. Degraded frames are scored only and keep
// their own cursor.
func (m *Monitor) observe(ctx context.Context, frame *adapters.Frame, degraded bool) (observed, scored int) {
	for _, obs := range frame.Observations {
		var (
			rec severity.Record
			ok  bool
		)
		if degraded {
			if !obs.Timestamp.After(m.lastSeen) || !obs.Timestamp.After(m.lastDegraded) {
				continue
			}
			m.lastDegraded = obs.Timestamp
			rec, ok = m.detector.ObserveDegraded(obs)
		} else {
			if !obs.Timestamp.After(m.lastSeen) {
				continue
			}
			m.lastSeen = obs.Timestamp
			rec, ok = m.detector.Observe(obs)
		}
		observed++
		if !ok {
			continue
		}
		scored++
		m.deliver(ctx, rec)
	}
	if m.metrics != nil && observed > 0 {
		m.metrics.RecordObservations(m.name, observed)
	}
	return observed, scored
}

func (m *Monitor) deliver(ctx context.Context, rec severity.Record) {
	r := rec
	m.latest = &r
	if rec.Anomalous() {
		m.recent = append(m.recent, rec)
		if len(m.recent) > recentAnomalies {
			m.recent = m.recent[len(m.recent)-recentAnomalies:]
		}
	}
	if m.metrics != nil {
		m.metrics.SetLastScore(m.name, rec.Score)
		if rec.Anomalous() {
			m.metrics.RecordAnomaly(m.name, rec.Severity.String())
		}
	}

	if m.sink == nil {
		return
	}
	if err := m.sink.Send(ctx, rec); err != nil {
		m.logger.Warn("failed to deliver record", "id", rec.ID, "error", err)
		if m.metrics != nil {
			m.metrics.RecordAlertFailure(m.name)
		}
	}
}

// Refit refits the model over the current buffer and persists the result.
func (m *Monitor) Refit(ctx context.Context) error {
	if err := m.detector.Refit(); err != nil {
		return err
	}
	return m.persist(ctx)
}

// persist saves the model when it has been fitted since the last save.
func (m *Monitor) persist(ctx context.Context) error {
	if m.states == nil {
		return nil
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	fits := m.detector.Snapshot().Fits
	if fits == m.savedFits {
		return nil
	}
	model := m.detector.Model()
	if model == nil {
		return nil
	}
	st, err := model.State()
	if err != nil {
		return err
	}
	data, err := st.Marshal(m.compress)
	if err != nil {
		return err
	}
	if err := m.states.SaveState(ctx, m.name, data); err != nil {
		return err
	}
	m.savedFits = fits
	m.logger.Info("detector state saved", "bytes", len(data), "fitted_at", st.FittedAt)
	return nil
}

// publish stores the current snapshot of the stream.
func (m *Monitor) publish(ctx context.Context) error {
	stats := m.detector.Snapshot()
	if m.metrics != nil {
		m.metrics.SetDetectorState(m.name, stats.State == stream.Warm, stats.BufferSize)
	}

	lastErr := m.lastErr
	if lastErr == "" {
		lastErr = stats.LastError
	}
	snap := storage.Snapshot{
		Stream:          m.name,
		GeneratedAt:     m.clock.Now().UTC(),
		IntervalSeconds: int(m.interval.Seconds()),
		State:           stats.State.String(),
		BufferSize:      stats.BufferSize,
		Observed:        stats.Observed,
		Scored:          stats.Scored,
		Anomalies:       stats.Anomalies,
		TickErrors:      stats.TickErrors,
		Fits:            stats.Fits,
		FittedAt:        stats.FittedAt,
		Degraded:        m.degraded,
		LastError:       lastErr,
		Latest:          m.latest,
		RecentAnomalies: append([]severity.Record(nil), m.recent...),
	}
	return m.store.Put(ctx, snap)
}

// Registry maps stream names to running monitors. It serves refit requests
// from the HTTP API.
type Registry struct {
	monitors map[string]*Monitor
}

// NewRegistry indexes monitors by name.
func NewRegistry(monitors ...*Monitor) *Registry {
	r := &Registry{monitors: make(map[string]*Monitor, len(monitors))}
	for _, m := range monitors {
		r.monitors[m.Name()] = m
	}
	return r
}

// Refit implements router.Refitter.
func (r *Registry) Refit(ctx context.Context, name string) error {
	m, ok := r.monitors[name]
	if !ok {
		return fmt.Errorf("%w: %s", router.ErrUnknownStream, name)
	}
	return m.Refit(ctx)
}
