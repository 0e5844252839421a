// Command detector runs the Vigil online anomaly detector.
//
// For every configured stream the detector runs a monitoring loop that:
//  1. Collects a window of metrics from the stream's source
//  2. Feeds new observations to the online detector, which trains once
//     enough history is buffered and scores every later point
//  3. Classifies anomalies by severity and delivers records to the sinks
//     (log, webhook, Kafka, SQLite journal, websocket feed)
//  4. Publishes a snapshot per stream for the HTTP and gRPC APIs
//
// The detector serves an HTTP API on port 8081 (configurable) providing:
//   - GET  /streams/current?stream=<name> - Latest snapshot of a stream
//   - POST /streams/refit?stream=<name>   - Refit a stream's model
//   - GET  /alerts/stream                 - Websocket feed of records
//   - GET  /report?stream=<name>          - HTML or JSON report from the journal
//   - GET  /healthz, /metrics
//
// and the gRPC service vigil.v1.Snapshots with standard health checks on
// port 50051.
//
// Usage:
//
//	detector \
//	  -stream=web \
//	  -source=prometheus \
//	  -source-opt url=http://prometheus:9090 \
//	  -source-opt 'query.cpu_usage=avg(rate(node_cpu_seconds_total{mode!="idle"}[5m]))' \
//	  -source-opt 'query.network_traffic=sum(rate(node_network_receive_bytes_total[5m]))' \
//	  -fallback=simulate \
//	  -journal=/var/lib/vigil/journal.db
//
// Environment variables:
//
//	STREAM, SOURCE, SOURCE_OPTS - Single-stream source settings
//	CONFIG_FILE                 - YAML file listing streams
//	CONTAMINATION, RANDOM_SEED, ROLLING_WINDOW, BUFFER_CAPACITY,
//	MIN_TRAINING_SIZE, PREDICTION_WINDOW - Detector parameters
//	STORAGE, STATE_BACKEND      - Snapshot and model state backends
//	LOG_LEVEL, LOG_FORMAT, LOG_FILE - Logging
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"

	"github.com/HatiCode/vigil/cmd/detector/config"
	"github.com/HatiCode/vigil/cmd/detector/metrics"
	"github.com/HatiCode/vigil/cmd/detector/router"
	"github.com/HatiCode/vigil/cmd/detector/streams"
	"github.com/HatiCode/vigil/pkg/alerts"
	"github.com/HatiCode/vigil/pkg/httpx"
	"github.com/HatiCode/vigil/pkg/logger"
	"github.com/HatiCode/vigil/pkg/rpc"
	"github.com/HatiCode/vigil/pkg/severity"
	"github.com/HatiCode/vigil/pkg/stream"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(logger.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, File: cfg.LogFile})
	slog.SetDefault(log)

	if err := cfg.TLS.Validate(); err != nil {
		log.Error("invalid TLS configuration", "error", err)
		os.Exit(1)
	}

	streamConfigs, err := config.LoadStreams(cfg)
	if err != nil {
		log.Error("invalid stream configuration", "error", err)
		os.Exit(1)
	}

	log.Info("starting vigil detector",
		"version", version,
		"streams", len(streamConfigs),
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"tls_enabled", cfg.TLS.Enabled,
	)

	table := severity.DefaultTable()
	if cfg.SeverityTable != "" {
		if table, err = severity.LoadTableFile(cfg.SeverityTable); err != nil {
			log.Error("failed to load severity table", "path", cfg.SeverityTable, "error", err)
			os.Exit(1)
		}
	}
	classifier := severity.NewClassifier(table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Error("close failed", "error", err)
			}
		}
	}()

	store, storeCloser, err := newStore(cfg, log)
	if err != nil {
		log.Error("failed to create snapshot store", "error", err)
		os.Exit(1)
	}
	if storeCloser != nil {
		closers = append(closers, storeCloser)
	}

	states, statesCloser, err := newStateStore(ctx, cfg, store, log)
	if err != nil {
		log.Error("failed to create state store", "error", err)
		os.Exit(1)
	}
	if statesCloser != nil {
		closers = append(closers, statesCloser)
	}

	hub := alerts.NewHub(log)
	closers = append(closers, hub)
	shared := alerts.Fanout{hub}

	var journal *alerts.Journal
	if cfg.JournalPath != "" {
		journal, err = alerts.OpenJournal(cfg.JournalPath)
		if err != nil {
			log.Error("failed to open alert journal", "path", cfg.JournalPath, "error", err)
			os.Exit(1)
		}
		closers = append(closers, journal)
		shared = append(shared, journal)
		log.Info("alert journal enabled", "path", cfg.JournalPath)
	}

	webhookClient, err := httpx.NewClient(cfg.TLS, 10*time.Second)
	if err != nil {
		log.Error("failed to create webhook client", "error", err)
		os.Exit(1)
	}

	m := metrics.New(nil)
	clk := clock.New()

	monitors := make([]*Monitor, 0, len(streamConfigs))
	for _, sc := range streamConfigs {
		source, err := streams.NewSource(sc)
		if err != nil {
			log.Error("failed to create source", "stream", sc.Name, "error", err)
			os.Exit(1)
		}
		name := sc.Name
		detector, err := streams.NewDetector(sc, classifier, log, func(te *stream.TickError) {
			m.RecordTickError(name, te.Stage)
		})
		if err != nil {
			log.Error("failed to create detector", "stream", sc.Name, "error", err)
			os.Exit(1)
		}
		sink, err := streams.NewSink(sc, streams.SinkDeps{Shared: shared, HTTPClient: webhookClient, Logger: log})
		if err != nil {
			log.Error("failed to create sinks", "stream", sc.Name, "error", err)
			os.Exit(1)
		}
		closers = append(closers, sink)

		monitors = append(monitors, NewMonitor(MonitorConfig{
			Source:        source,
			Fallback:      streams.NewFallback(sc),
			Detector:      detector,
			Sink:          sink,
			Store:         store,
			States:        states,
			CompressState: cfg.StateCompress,
			Interval:      sc.Interval,
			Window:        sc.Window,
			Clock:         clk,
			Logger:        log,
			Metrics:       m,
		}))
		log.Info("stream configured",
			"stream", sc.Name,
			"source", sc.Source,
			"fallback", sc.Fallback,
			"interval", sc.Interval,
			"min_training_size", sc.MinTrainingSize,
			"contamination", sc.Contamination,
		)
	}

	routeOpts := router.Options{
		Store:      store,
		Refitter:   NewRegistry(monitors...),
		Alerts:     hub,
		Table:      classifier.Table(),
		StaleAfter: 2 * streamConfigs[0].Interval,
		Logger:     log,
	}
	if journal != nil {
		routeOpts.Journal = journal
		routeOpts.Health = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return journal.Ping(ctx)
		}
	}
	httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(routeOpts), log)

	serverTLS, err := cfg.TLS.Server()
	if err != nil {
		log.Error("failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 2)
	go func() {
		if serverTLS != nil {
			httpServer.SetTLSConfig(serverTLS)
			serverErr <- httpServer.StartTLS("", "")
			return
		}
		serverErr <- httpServer.Start()
	}()

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCListen != "" {
		opts := []grpc.ServerOption{
			grpc.UnaryInterceptor(rpc.UnaryObserverInterceptor(func(method string, code codes.Code, elapsed time.Duration) {
				m.RecordGRPC(method, code.String(), elapsed.Seconds())
			})),
		}
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcServer, healthServer = rpc.NewServer(store, log, opts...)

		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen)
			serverErr <- grpcServer.Serve(lis)
		}()
	}

	var wg sync.WaitGroup
	for _, mon := range monitors {
		wg.Add(1)
		go func(mon *Monitor) {
			defer wg.Done()
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("monitor loop failed", "stream", mon.Name(), "error", err)
			}
		}(mon)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()
	wg.Wait()

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
}
