// Package main is the entry point for the Skopos trading engine. It
// wires the storage, broker and analyst collaborators into the phase
// scheduler engine, starts the background job scheduler and the
// read-only HTTP API, and handles graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/okastakis/skopos/internal/analyst"
	"github.com/okastakis/skopos/internal/clients/broker"
	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/database"
	"github.com/okastakis/skopos/internal/events"
	"github.com/okastakis/skopos/internal/execution"
	"github.com/okastakis/skopos/internal/jobs"
	"github.com/okastakis/skopos/internal/monitor"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/reliability"
	"github.com/okastakis/skopos/internal/research"
	"github.com/okastakis/skopos/internal/review"
	"github.com/okastakis/skopos/internal/risk"
	"github.com/okastakis/skopos/internal/scheduler"
	"github.com/okastakis/skopos/internal/server"
	"github.com/okastakis/skopos/internal/thesis"
	"github.com/okastakis/skopos/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("session_id", cfg.SessionID).
		Str("exchange_tz", cfg.ExchangeTZ).
		Msg("Starting Skopos")

	// Storage
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "skopos.db"),
		Profile: database.ProfileStandard,
		Name:    "skopos",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	eventsRepo := events.NewRepository(db.Conn(), log)
	thesisRepo := thesis.NewRepository(db.Conn(), log)
	reviewRepo := review.NewRepository(db.Conn(), log)
	positionsRepo := positions.NewRepository(db.Conn(), log)
	statesRepo := scheduler.NewStateRepository(db.Conn(), log)

	// Collaborators
	brokerClient := broker.New(cfg.Broker, log)
	marketAnalyst := analyst.New(brokerClient, log)

	// Core services
	lifecycle := thesis.NewLifecycle(thesisRepo, log)
	governor := risk.NewGovernor(risk.Limits{
		MaxDrawdown:          cfg.Risk.MaxDrawdown,
		MaxDailyLossFraction: cfg.Risk.MaxDailyLossFraction,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		DailyTradeCap:        cfg.Risk.DailyTradeCap,
		BreakerCooldown:      cfg.Risk.BreakerCooldown,
	}, log)

	researchSvc := research.NewService(cfg.Research, marketAnalyst, brokerClient, eventsRepo, lifecycle, log)
	reviewer := review.NewReviewer(marketAnalyst, lifecycle, reviewRepo, cfg.Execution.ApprovalConfidence, log)
	coordinator := execution.NewCoordinator(
		cfg.Execution, cfg.Phases, cfg.Location(),
		governor, lifecycle, positionsRepo, reviewRepo,
		brokerClient, brokerClient, log,
	)
	positionMonitor := monitor.NewMonitor(
		cfg.Monitor, cfg.Phases, cfg.Location(),
		positionsRepo, lifecycle, governor,
		brokerClient, brokerClient, log,
	)

	engine := scheduler.NewEngine(
		cfg, brokerClient, researchSvc, reviewer,
		coordinator, positionMonitor, governor, positionsRepo, statesRepo, log,
	)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go engine.Run(engineCtx)

	// Background jobs: nightly maintenance at 02:30, backup at 03:00
	jobScheduler := jobs.New(log)

	maintenance := jobs.NewMaintenanceJob(db, eventsRepo, thesisRepo, cfg.DataDir, cfg.Research.EventRetentionDays, log)
	if err := jobScheduler.AddJob("30 2 * * *", maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance job")
	}

	var s3Client *reliability.S3Client
	if cfg.Backup.Enabled() {
		s3Client, err = reliability.NewS3Client(cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create backup S3 client")
		}
	} else {
		log.Warn().Msg("Offsite backups not configured, snapshots stay local")
	}
	backupSvc := reliability.NewBackupService(db, s3Client, cfg.DataDir, cfg.Backup.RetentionDays, log)
	if err := jobScheduler.AddJob("0 3 * * *", jobs.NewBackupJob(backupSvc, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register backup job")
	}

	jobScheduler.Start()

	// HTTP API
	srv := server.New(server.Config{
		Log:       log,
		DB:        db,
		Theses:    thesisRepo,
		Positions: positionsRepo,
		Events:    eventsRepo,
		Engine:    engine,
		Risk:      governor,
		DataDir:   cfg.DataDir,
		Port:      cfg.Port,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Block until SIGINT or SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	engineCancel()
	engine.Stop()
	jobScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}
