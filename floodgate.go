package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/admin"
	"github.com/maxpert/floodgate/cfg"
	"github.com/maxpert/floodgate/position"
	_ "github.com/maxpert/floodgate/publisher/sink"
	"github.com/maxpert/floodgate/supervisor"
	"github.com/maxpert/floodgate/telemetry"
	"github.com/maxpert/floodgate/wal"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("connector", cfg.Config.ConnectorName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Floodgate - Postgres change data capture connector")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	tracker, err := position.NewTracker(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open position store")
		return
	}
	defer tracker.Close()

	store := buildBookkeepingStore()
	defer store.Close()

	sup := supervisor.New(tracker, store)

	// Record the running configuration on the configs control topic, with
	// credentials redacted.
	publishConfigRecord(store)

	if cfg.Config.Admin.Enabled {
		startAdminServer(sup)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	log.Info().
		Str("slot", cfg.Config.Source.SlotName).
		Str("publication", cfg.Config.Source.PublicationName).
		Str("sink", cfg.Config.Sink.Type).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Connector is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Shutdown signal received, stopping connector...")
		sup.Stop()
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("Connector terminated")
		}
	}

	if cfg.Config.Source.DropSlotOnStop {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := wal.DropSlot(dropCtx, cfg.Config.Source.DSN(), cfg.Config.Source.SlotName); err != nil {
			log.Warn().Err(err).Msg("Failed to drop replication slot on stop")
		}
		dropCancel()
	}

	log.Info().Msg("Connector stopped")
}

// buildBookkeepingStore picks the broker-side bookkeeping store matching
// the sink. Only kafka has a control-topic convention; other sinks rely on
// the local position cache alone.
func buildBookkeepingStore() position.Store {
	sink := cfg.Config.Sink
	if sink.Type == "kafka" {
		return position.NewKafkaStore(sink.Brokers, sink.TopicPrefix, cfg.Config.ConnectorName)
	}
	return position.NoopStore{}
}

func publishConfigRecord(store position.Store) {
	redacted := *cfg.Config
	redacted.Source.Password = "****"
	redacted.Admin.AuthKey = "****"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.WriteConfig(ctx, redacted); err != nil {
		log.Warn().Err(err).Msg("Config record write failed")
	}
}

func startAdminServer(sup *supervisor.Supervisor) {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewHandlers(sup))

	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
}
