package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"biowave/internal/config"
	"biowave/internal/handlers"
	"biowave/internal/logger"
	"biowave/internal/metrics"
	"biowave/internal/repository"
	"biowave/internal/repository/db"
	"biowave/internal/server"
	"biowave/internal/service"
	"biowave/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest pipeline and the HTTP/WebSocket API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	log := logger.Get(cfg.Log.Level)

	sqlDB, err := db.InitDB(cfg.Events.DSN)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close event store", "err", cerr)
		}
	}()

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	collector := metrics.New()
	repos := repository.NewRepository(sqlDB)
	services, err := service.NewService(repos, service.Options{
		Pipeline:         pipelineCfg,
		QueueSize:        cfg.Stream.QueueSize,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		JournalQueue:     cfg.Events.QueueSize,
		Retention:        cfg.Events.Retention,
		SigningKey:       cfg.Auth.SigningKey,
		TokenTTL:         cfg.Auth.TokenTTL,
		Metrics:          collector,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.Enabled {
		creds := make([]service.OperatorCredential, 0, len(cfg.Auth.Operators))
		for _, op := range cfg.Auth.Operators {
			creds = append(creds, service.OperatorCredential{Username: op.Username, PasswordHash: op.PasswordHash})
		}
		if err := services.SeedOperators(ctx, creds); err != nil {
			return fmt.Errorf("seed operators: %w", err)
		}
		log.Infow("operators_seeded", "count", len(creds))
	}

	source, err := transport.New(cfg, log)
	if err != nil {
		return err
	}

	// Stages stop in order: source, then stream, then journal, so the last
	// session end is written before the store closes.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()

	var journalWG, streamWG, sourceWG sync.WaitGroup
	journalWG.Add(1)
	go func() {
		defer journalWG.Done()
		services.Journal.Run(journalCtx)
	}()
	streamWG.Add(1)
	go func() {
		defer streamWG.Done()
		services.Stream.Run(streamCtx)
	}()
	sourceWG.Add(1)
	go func() {
		defer sourceWG.Done()
		if err := source.Run(ctx, services.Stream); err != nil {
			log.Errorw("source_failed", "kind", cfg.Source.Kind, "err", err)
			return
		}
		log.Infow("source_finished", "kind", cfg.Source.Kind)
	}()

	api := handlers.NewHandler(services, log,
		handlers.WithAuth(cfg.Auth.Enabled),
		handlers.WithMetrics(collector.Handler()),
		handlers.WithFrameInterval(cfg.Stream.FrameInterval),
	)
	srv := server.New(cfg.Server.Port, api.InitRoutes())

	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()
	log.Infow("server_started", "addr", srv.Addr(), "source", cfg.Source.Kind, "auth", cfg.Auth.Enabled)

	select {
	case <-ctx.Done():
		log.Infow("shutting down server...")
	case err = <-errc:
		if err != nil {
			log.Errorw("error starting server", "err", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Errorw("server forced to shutdown", "err", serr)
	}

	sourceWG.Wait()
	stopStream()
	streamWG.Wait()
	stopJournal()
	journalWG.Wait()
	return err
}
