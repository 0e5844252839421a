// Package alerts delivers Anomaly Records to their destinations. Every
// destination implements Sink; Filter and Fanout compose them.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/HatiCode/vigil/pkg/severity"
)

// Sink receives records. Send must respect context cancellation.
type Sink interface {
	Send(ctx context.Context, rec severity.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec severity.Record) error

func (f SinkFunc) Send(ctx context.Context, rec severity.Record) error { return f(ctx, rec) }

// Fanout sends every record to each sink in order and joins their errors.
// A failing sink does not stop delivery to the others.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, rec severity.Record) error {
	var errs []error
	for i, s := range f {
		if err := s.Send(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Filter forwards anomalous records whose severity is at least Min.
type Filter struct {
	Next Sink
	Min  severity.Tier
}

// NewFilter wraps next so it only sees anomalies at or above minTier.
func NewFilter(next Sink, minTier severity.Tier) *Filter {
	return &Filter{Next: next, Min: minTier}
}

// Accepts reports whether rec passes the filter.
func (f *Filter) Accepts(rec severity.Record) bool {
	return rec.Anomalous() && rec.Severity >= f.Min
}

func (f *Filter) Send(ctx context.Context, rec severity.Record) error {
	if !f.Accepts(rec) {
		return nil
	}
	return f.Next.Send(ctx, rec)
}

// Close closes the wrapped sink if it implements io.Closer.
func (f *Filter) Close() error {
	if c, ok := f.Next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// LogSink writes records to a structured logger. Anomalies are logged at
// warn level, everything else at debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink; a nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Send(ctx context.Context, rec severity.Record) error {
	level := slog.LevelDebug
	msg := "observation scored"
	if rec.Anomalous() {
		level = slog.LevelWarn
		msg = "anomaly detected"
	}
	l.logger.Log(ctx, level, msg,
		"id", rec.ID,
		"stream", rec.Stream,
		"source", rec.Source,
		"timestamp", rec.Timestamp,
		"score", rec.Score,
		"severity", rec.Severity.String(),
		"points", rec.Points,
		"degraded", rec.Degraded,
	)
	return nil
}
