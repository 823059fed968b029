package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelfin/optionsd/internal/app"
	"github.com/kestrelfin/optionsd/internal/config"
	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/httpapi"
	"github.com/kestrelfin/optionsd/internal/jobs"
	"github.com/kestrelfin/optionsd/internal/scheduler"
	"github.com/kestrelfin/optionsd/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger isn't up yet; configuration problems go straight to stderr.
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("starting optionsd")

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	registry, err := app.NewRegistry(cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build broker registry")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	registry.StartStreamers(startCtx)
	startCancel()

	sched := scheduler.New(log, db)
	sched.Start()
	defer sched.Stop()

	engine := jobs.NoOpStrategyEngine{}
	if err := registry.RegisterJobs(sched, cfg.SchedulerTimezone, engine, cfg.TradeSymbols, cfg.BracketStopMultiple); err != nil {
		log.Fatal().Err(err).Msg("failed to register scheduled jobs")
	}

	srv := httpapi.New(httpapi.Config{
		Port:      cfg.Port,
		Log:       log,
		Registry:  registry,
		Scheduler: sched,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	registry.StopStreamers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
