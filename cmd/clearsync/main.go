package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"clearsync/internal/api"
	"clearsync/internal/config"
	"clearsync/internal/extract"
	"clearsync/internal/mart"
	"clearsync/internal/pipeline"
	"clearsync/internal/scheduler"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		target  = flag.String("target", "", "SQLite mart path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *target != "" {
		cfg.Target.Path = *target
	}
	if *debug {
		cfg.HTTP.Debug = true
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Target mart: single writer, schema created on first start.
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Target.Path)
	martDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open mart")
	}
	defer martDB.Close()
	martDB.SetMaxOpenConns(1)

	if err := mart.EnsureSchema(martDB); err != nil {
		log.Fatal().Err(err).Msg("ensure mart schema")
	}

	// Source Postgres. An unreachable source is not fatal: every sync
	// cycle fails and retries until it comes back.
	sourceDB, err := sql.Open("pgx", cfg.Source.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open source")
	}
	defer sourceDB.Close()
	sourceDB.SetMaxOpenConns(cfg.Source.MaxConns)
	if err := sourceDB.PingContext(context.Background()); err != nil {
		log.Warn().Err(err).Msg("source unreachable, will keep retrying")
	}

	store := mart.NewStore(martDB)
	extractor := extract.New(sourceDB, cfg.ETL.MaxBatchRows, cfg.Source.QueryTimeout)
	pipe := pipeline.New(extractor, store, cfg.ETL.Overlap, cfg.ETL.AlertAfter)

	mode, err := scheduler.ParseMode(cfg.Scheduler.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("parse scheduler mode")
	}
	sched := scheduler.New(scheduler.Config{
		Mode:          mode,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		HistorySize:   cfg.Scheduler.HistorySize,
		Floor:         cfg.Scheduler.Floor,
	})
	for _, spec := range pipe.Jobs(cfg.ETL.PollInterval) {
		if err := sched.Register(spec); err != nil {
			log.Fatal().Err(err).Str("job", spec.Name).Msg("register job")
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServerWithDebug(sched, store, pipe.Failures, cfg.HTTP.Debug),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	var fatal *scheduler.FatalSchedulerError
	if errors.As(err, &fatal) {
		log.Error().Err(err).Msg("scheduler died")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
