package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tether/pkg/broadcast"
	"github.com/haasonsaas/tether/pkg/config"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/haasonsaas/tether/pkg/telemetry"
	"github.com/rs/zerolog"
)

var (
	configPath = flag.String("config", "", "Server config file (YAML)")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Logging, os.Stdout, telemetry.ServiceServer)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) error {
	logger.Info().Str("version", Version).Str("listen", cfg.Listen).Msg("tether server starting")

	tp, err := telemetry.SetupTracing(ctx, telemetry.ServiceServer, Version, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := broadcast.NewHub(cfg.Broadcast.QueueSize, cfg.Broadcast.SubscriberBuffer, logger)
	go hub.Run(ctx)

	srv := newServer(st, hub, cfg, logger)
	go srv.runOfflineSweep(ctx,
		time.Duration(cfg.Heartbeat.SweepIntervalS)*time.Second,
		time.Duration(cfg.Heartbeat.OfflineAfterS)*time.Second)
	if cfg.Broadcast.StatsIntervalS > 0 {
		go srv.runStatsBroadcast(ctx, time.Duration(cfg.Broadcast.StatsIntervalS)*time.Second)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	// closing the hub ends open websocket streams
	hub.Close()
	srv.fanout.Wait()
	return nil
}
