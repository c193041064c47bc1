package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/wildfire-ros-service/internal/adapter/cds"
	"github.com/couchcryptid/wildfire-ros-service/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/wildfire-ros-service/internal/adapter/kafka"
	"github.com/couchcryptid/wildfire-ros-service/internal/adapter/openmeteo"
	"github.com/couchcryptid/wildfire-ros-service/internal/cache"
	"github.com/couchcryptid/wildfire-ros-service/internal/config"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/features"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/couchcryptid/wildfire-ros-service/internal/pipeline"
	"github.com/couchcryptid/wildfire-ros-service/internal/raster"
	"github.com/couchcryptid/wildfire-ros-service/internal/weather"
	"github.com/jonboulle/clockwork"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	store, err := cache.NewStore(cache.Options{
		Dir:        cfg.CacheDir,
		MemorySize: cfg.CacheMemorySize,
		MaxAge:     cfg.CacheMaxAge,
		Clock:      clock,
	}, logger, metrics)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	janitor := cache.NewJanitor(store, cfg.CacheJanitorInterval, logger)
	if err := janitor.Start(); err != nil {
		logger.Error("failed to start cache janitor", "error", err)
		os.Exit(1)
	}

	registry, err := model.LoadDir(cfg.ModelDir, logger, metrics)
	if err != nil {
		logger.Error("failed to load models", "dir", cfg.ModelDir, "error", err)
		os.Exit(1)
	}

	rasters, err := raster.NewReader(cfg.RasterDir, logger)
	if err != nil {
		logger.Error("failed to open rasters", "dir", cfg.RasterDir, "error", err)
		os.Exit(1)
	}

	realtime := openmeteo.NewClient(openmeteo.Options{
		BaseURL:   cfg.OpenMeteoURL,
		Timeout:   cfg.OpenMeteoTimeout,
		RateLimit: cfg.OpenMeteoRateLimit,
		MaxPast:   cfg.OpenMeteoMaxPast,
	}, logger, metrics)
	reanalysis, err := cds.NewClient(cds.Options{
		CredentialsFile:   cfg.CDSCredentialsFile,
		URL:               cfg.CDSURL,
		Key:               cfg.CDSKey,
		EWDSURL:           cfg.EWDSURL,
		EWDSKey:           cfg.EWDSKey,
		Timeout:           cfg.CDSTimeout,
		PollInterval:      cfg.CDSPollInterval,
		AvailabilityDelay: cfg.CDSAvailabilityDelay,
		Clock:             clock,
	}, logger, metrics)
	if err != nil {
		logger.Error("failed to configure cds client", "error", err)
		os.Exit(1)
	}

	fetcher := weather.NewFetcher(store, clock, logger, metrics, realtime, reanalysis)
	// A shared fetch may outlive the request that started it, never a whole request budget.
	fetcher.SetFlightTimeout(cfg.RequestTimeout)
	assembler := features.NewAssembler(fetcher, rasters, logger)

	deps := pipeline.Deps{
		Models:    registry,
		Assembler: assembler,
		Weather:   fetcher,
		Rasters:   rasters,
		Results:   store,
	}

	// Result export is feature-flagged via KAFKA_BROKERS.
	var writer *kafkaadapter.ResultWriter
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewResultWriter(cfg, logger)
		deps.Sink = writer
		logger.Info("result export enabled", "topic", cfg.KafkaResultTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("result export disabled")
	}

	orchestrator := pipeline.New(deps, pipeline.Options{
		RequestTimeout:    cfg.RequestTimeout,
		MaxDurationHours:  cfg.MaxDurationHours,
		DefaultSource:     domain.Source(cfg.DefaultProvider),
		GridResolution:    cfg.GridResolution,
		GridConcurrency:   cfg.GridConcurrency,
		ReanalysisEnabled: reanalysis.Configured(),
		Clock:             clock,
	}, logger, metrics)

	// Grid requests can take several request timeouts end to end.
	srv := httpadapter.NewServer(cfg.HTTPAddr, 2*cfg.RequestTimeout, orchestrator, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	janitor.Stop()
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := rasters.Close(); err != nil {
		logger.Error("raster close error", "error", err)
	}

	logger.Info("shutdown complete")
}
