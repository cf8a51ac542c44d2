package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/admin"
	"github.com/driftsync/driftsync/cfg"
	_ "github.com/driftsync/driftsync/connector/memory"
	"github.com/driftsync/driftsync/events"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/runner"
	"github.com/driftsync/driftsync/telemetry"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("DriftSync - Schema-Aware CDC Replication")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	if err := os.MkdirAll(cfg.Config.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Config.DataDir).Msg("Failed to create data directory")
		return
	}

	store, err := meta.NewSQLiteStore(
		filepath.Join(cfg.Config.DataDir, "driftsync.db"),
		filepath.Join(cfg.Config.DataDir, "payloads"),
		5000,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open metadata store")
		return
	}
	defer store.Close()

	sink, err := events.NewSink(cfg.Config.Events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event sink")
		return
	}
	pub := events.NewPublisher(sink, cfg.Config.Events.TopicPrefix)
	defer pub.Close()

	run, err := runner.NewRunner(cfg.Config, store, pub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
		return
	}

	ctx := context.Background()
	if err := run.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
		return
	}
	defer run.Stop()

	cleanup := meta.NewCleanupWorker(store, meta.RetentionPolicy{
		RunAge:             time.Duration(cfg.Config.Retention.RunDays) * 24 * time.Hour,
		ErrorAge:           time.Duration(cfg.Config.Retention.ErrorDays) * 24 * time.Hour,
		SchemaVersionsKeep: cfg.Config.Retention.SchemaVersionsKeep,
	}, time.Duration(cfg.Config.Retention.IntervalSeconds)*time.Second)
	cleanup.Start()
	defer cleanup.Stop()

	if cfg.Config.Admin.Enabled {
		var metrics http.Handler
		if cfg.Config.Prometheus.Enabled {
			metrics = telemetry.GetMetricsHandler()
		}
		adminServer := admin.NewServer(store, run, metrics)
		if err := adminServer.Start(cfg.Config.Admin.Bind, cfg.Config.Admin.Port); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := adminServer.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Str("data_dir", cfg.Config.DataDir).
		Int("schemas", len(cfg.Config.Schemas)).
		Msg("DriftSync is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
