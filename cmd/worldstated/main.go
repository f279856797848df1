// Command worldstated runs the world-state engine: it wires config,
// logging, the durable log, the entity store, the reducer, snapshotting,
// recovery, subscription fan-out, telemetry, and the HTTP/WebSocket
// surface, then serves until signaled to stop. Grounded on the teacher's
// main.go composition order (config → logger → broker → servers →
// ListenAndServe) and cuemby-warren's cmd/warren/main.go signal-driven
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"worldstate/internal/config"
	"worldstate/internal/eventlog"
	"worldstate/internal/httpapi"
	"worldstate/internal/ingest"
	"worldstate/internal/logging"
	"worldstate/internal/namespace"
	"worldstate/internal/recovery"
	"worldstate/internal/reducer"
	"worldstate/internal/runtimeconfig"
	"worldstate/internal/snapshot"
	"worldstate/internal/store"
	"worldstate/internal/subscribe"
	"worldstate/internal/telemetry"
	"worldstate/internal/wsapi"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel})
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worldstated terminated", logging.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	log, err := eventlog.Open(cfg.LogDir, logger.With(logging.String("component", "eventlog")))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer log.Close()

	st := store.New()
	subs := subscribe.New(cfg.SubscriberQueueSize, logger.With(logging.String("component", "subscribe")))
	subs.OnDisconnect(func(id string, reason subscribe.DisconnectReason) {
		logger.Debug("websocket client disconnected", logging.String("client_id", id), logging.String("reason", string(reason)))
	})

	red := reducer.New(st, subs, logger.With(logging.String("component", "reducer")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, consumer, err := recovery.Run(ctx, log, st, red, cfg.SnapshotDir, logger.With(logging.String("component", "recovery")))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info("recovery complete",
		logging.Bool("loaded_snapshot", result.LoadedSnapshot),
		logging.Uint64("replayed", result.ReplayedRecords),
		logging.Uint64("watermark", result.FinalWatermark),
	)

	reducerDone := make(chan error, 1)
	go func() {
		reducerDone <- recovery.RunLive(ctx, consumer, red, logger.With(logging.String("component", "reducer")))
	}()

	var snapper *snapshot.Snapshotter
	if cfg.SnapshotEnabled {
		snapper, err = snapshot.New(cfg.SnapshotDir, cfg.SnapshotInterval, cfg.SnapshotKeep, st, red.Watermark, logger.With(logging.String("component", "snapshot")))
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		go snapper.Run()
		defer snapper.Stop()
	}

	namespaces := namespace.New()
	limiter := ingest.NewRateLimiter(cfg.RateLimitPerNSPerMin, nil)
	runtime := runtimeconfig.New(runtimeconfig.Limits{
		RateLimitEnabled:     cfg.RateLimitEnabled,
		RateLimitPerNSPerMin: cfg.RateLimitPerNSPerMin,
		BodySizeLimitSingle:  cfg.BodySizeLimitSingle,
		BodySizeLimitBatch:   cfg.BodySizeLimitBatch,
	})

	ticker := telemetry.New(st, subs, cfg.MetricsTickInterval, logger.With(logging.String("component", "telemetry")))
	go ticker.Run()
	defer ticker.Stop()

	gate := ingest.New(log, namespaces, limiter, runtime, cfg.AuthMode, logger.With(logging.String("component", "ingest")))
	gate.SetRecorder(ticker)

	var authenticator wsapi.Authenticator
	if cfg.AuthMode {
		authenticator = &wsapi.TokenAuthenticator{Namespaces: namespaces}
	}
	wsHandler := wsapi.New(subs, authenticator, logger.With(logging.String("component", "wsapi")))

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:         logger.With(logging.String("component", "httpapi")),
		Gate:           gate,
		Store:          st,
		Namespaces:     namespaces,
		Runtime:        runtime,
		Ticker:         ticker,
		AdminToken:     cfg.AdminToken,
		MaxBatchDelete: cfg.MaxBatchDelete,
		AuthEnabled:    cfg.AuthMode,
		Ready: func() (bool, string) {
			return true, ""
		},
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("GET /api/ws", wsHandler)

	server := &http.Server{Addr: cfg.Address, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("worldstated listening", logging.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-reducerDone:
		if err != nil {
			return fmt.Errorf("reducer loop: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}
	if snapper != nil {
		if _, err := snapper.TakeSnapshot(); err != nil {
			logger.Error("final snapshot failed", logging.Error(err))
		}
	}
	return nil
}
