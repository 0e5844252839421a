// Package router configures HTTP routes for the detector's HTTP API.
//
// Routes configured:
//   - GET  /streams/current?stream=<name> - Latest snapshot of a stream
//   - POST /streams/refit?stream=<name>   - Refit the stream's model over its buffer
//   - GET  /alerts/stream[?stream=<name>] - Websocket feed of scored records
//   - GET  /report?stream=<name>[&format=json][&from=..&to=..] - Report built from the alert journal
//   - GET  /healthz - Health check endpoint
//   - GET  /metrics - Prometheus metrics endpoint
//
// Snapshots older than twice their stream's interval carry an X-Vigil-Stale
// header.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/httpx"
	"github.com/HatiCode/vigil/pkg/models"
	"github.com/HatiCode/vigil/pkg/report"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/storage"
)

// ErrUnknownStream is returned by a Refitter for a stream it does not run.
var ErrUnknownStream = errors.New("unknown stream")

// StaleHeader marks snapshots older than twice their interval.
const StaleHeader = "X-Vigil-Stale"

const defaultReportLimit = 100000

// Refitter refits a running stream's model.
type Refitter interface {
	Refit(ctx context.Context, stream string) error
}

// RecordSource answers report queries, typically the alert journal.
type RecordSource interface {
	Records(ctx context.Context, q alerts.Query) ([]severity.Record, error)
}

// Options wires the routes to the running detector.
type Options struct {
	Store    storage.Store
	Refitter Refitter
	// Alerts serves the websocket feed; nil disables the route.
	Alerts http.Handler
	// Journal backs /report; nil makes the route answer 501.
	Journal RecordSource
	// Table attributes attacks in /report; the zero Table selects
	// severity.DefaultTable.
	Table severity.Table
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Health is consulted by /healthz; nil always reports OK.
	Health func() error
	// StaleAfter applies to snapshots that do not record their interval.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the detector, wrapped in
// recovery and request logging middleware.
func SetupRoutes(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("/healthz", httpx.HealthHandler(opts.Health))
	mux.HandleFunc("/streams/current", handleGetSnapshot(opts.Store, opts.StaleAfter, opts.Logger))
	mux.HandleFunc("/streams/refit", handleRefit(opts.Refitter, opts.Logger))
	mux.HandleFunc("/report", handleReport(opts.Journal, opts.Table, opts.Logger))
	if opts.Alerts != nil {
		mux.Handle("/alerts/stream", opts.Alerts)
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return httpx.Chain(mux,
		httpx.RecoveryMiddleware(opts.Logger),
		httpx.LoggingMiddleware(opts.Logger),
	)
}

func streamParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "stream parameter required")
		return "", false
	}
	if err := storage.ValidateStreamName(stream); err != nil {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid stream name format")
		return "", false
	}
	return stream, true
}

// handleGetSnapshot returns a handler for GET /streams/current?stream=<name>.
func handleGetSnapshot(store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stream, ok := streamParam(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snapshot, found, err := store.GetLatest(ctx, stream)
		if err != nil {
			logger.Error("failed to get snapshot", "stream", stream, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("snapshot not found for stream %q", stream))
			return
		}

		threshold := staleAfter
		if snapshot.IntervalSeconds > 0 {
			threshold = 2 * time.Duration(snapshot.IntervalSeconds) * time.Second
		}
		if threshold > 0 && time.Since(snapshot.GeneratedAt) > threshold {
			w.Header().Set(StaleHeader, "true")
		}

		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleRefit returns a handler for POST /streams/refit?stream=<name>.
func handleRefit(refitter Refitter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stream, ok := streamParam(w, r)
		if !ok {
			return
		}
		if refitter == nil {
			httpx.WriteErrorMessage(w, http.StatusNotImplemented, "refit not available")
			return
		}

		err := refitter.Refit(r.Context(), stream)
		switch {
		case err == nil:
			logger.Info("refit requested", "stream", stream)
			_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"stream": stream, "status": "refitted"})
		case errors.Is(err, ErrUnknownStream):
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("unknown stream %q", stream))
		case errors.Is(err, models.ErrInsufficientData):
			httpx.WriteError(w, http.StatusConflict, err)
		default:
			logger.Error("refit failed", "stream", stream, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "refit failed")
		}
	}
}

// handleReport returns a handler for GET /report.
func handleReport(journal RecordSource, table severity.Table, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if journal == nil {
			httpx.WriteErrorMessage(w, http.StatusNotImplemented, "reports require an alert journal")
			return
		}

		q := alerts.Query{Limit: defaultReportLimit}
		params := r.URL.Query()
		if stream := params.Get("stream"); stream != "" {
			if err := storage.ValidateStreamName(stream); err != nil {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid stream name format")
				return
			}
			q.Stream = stream
		}
		var err error
		if q.From, err = parseTime(params.Get("from")); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		if q.To, err = parseTime(params.Get("to")); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		if v := params.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid limit")
				return
			}
			q.Limit = n
		}

		records, err := journal.Records(r.Context(), q)
		if err != nil {
			logger.Error("failed to query journal", "stream", q.Stream, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		summary := report.Summarize(records, 0, table)
		summary.Stream = q.Stream

		switch params.Get("format") {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			err = report.WriteJSON(w, summary)
		case "", "html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			err = report.WriteHTML(w, summary)
		default:
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "format must be html or json")
			return
		}
		if err != nil {
			logger.Error("failed to write report", "error", err)
		}
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
