package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tasklane/internal/api"
	"tasklane/internal/config"
	"tasklane/internal/executor"
	"tasklane/internal/payload"
	"tasklane/internal/sandbox"
	"tasklane/internal/schedule"
	"tasklane/internal/service"
	"tasklane/internal/store"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to YAML config file")
		addr     = flag.String("addr", "", "HTTP bind address")
		dbPath   = flag.String("db", "", "SQLite DB path")
		tasksDir = flag.String("tasks", "", "payload directory")
		poll     = flag.Duration("poll", 0, "schedule engine poll interval")
		debug    = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *tasksDir != "" {
		cfg.TasksDir = *tasksDir
	}
	if *poll > 0 {
		cfg.Poll = *poll
	}
	if *debug {
		cfg.Debug = true
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	payloads, err := payload.NewStore(cfg.TasksDir)
	if err != nil {
		log.Fatal().Err(err).Msg("payload store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := executor.New(repo, payloads, sandbox.Subprocess{Argv: cfg.Interpreter})
	engine := schedule.NewEngine(func(taskID string) { exec.Execute(ctx, taskID) }, cfg.Poll)
	svc := service.New(repo, payloads, engine, exec)

	// Rebuild registrations before the engine starts firing.
	svc.Restore(ctx)
	go engine.Run(ctx)
	go svc.RunCleaner(ctx, cfg.PruneEvery)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(svc, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
