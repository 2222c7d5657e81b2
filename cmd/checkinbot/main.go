package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"checkinbot/internal/api"
	"checkinbot/internal/checkin"
	"checkinbot/internal/config"
	"checkinbot/internal/domain"
	"checkinbot/internal/notify"
	"checkinbot/internal/portal"
	"checkinbot/internal/scheduler"
	"checkinbot/internal/store"
	"checkinbot/internal/worker"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "YAML config path")
		addr       = pflag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath     = pflag.String("db", "", "SQLite DB path (overrides config)")
		workers    = pflag.Int("workers", 0, "concurrent check-in runs (overrides config)")
		debug      = pflag.Bool("debug", false, "debug logging and pprof routes")
	)
	pflag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *workers > 0 {
		cfg.Schedule.Workers = *workers
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB.Path)
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

	client, err := portal.NewClient(cfg.Portal.ClientConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("portal client")
	}

	var notifier notify.Notifier = &notify.Log{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			log.Fatal().Err(err).Msg("telegram")
		}
		notifier = tg
		log.Info().Str("admin", cfg.Telegram.Admin).Msg("bot: reporting to telegram")
	} else {
		log.Warn().Msg("no telegram token, transcripts go to the log")
	}

	pool := worker.NewPool(cfg.Schedule.Workers)
	sched := scheduler.NewService(scheduler.Options{
		Location:   cfg.Schedule.Location(),
		Hour:       cfg.Schedule.Hour,
		BaseMinute: cfg.Schedule.BaseMinute,
		Admin:      cfg.Telegram.Admin,
		Pool:       pool,
	})
	ctrl := checkin.NewController(client, cfg.Recognizer.Build(), notifier, sched, checkin.Options{
		Attempts:   cfg.Schedule.Attempts,
		BackoffMin: cfg.Schedule.BackoffMin,
		BackoffMax: cfg.Schedule.BackoffMax,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, func(ctx context.Context, acct domain.Account) error {
		res, err := ctrl.Run(ctx, acct)
		log.Info().Str("account", acct.ID).Str("outcome", string(res.Outcome)).Msg("run finished")
		return err
	})

	restore(ctx, sched, repo, cfg.Accounts)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServerWithDebug(sched, repo, cfg.HTTP.Debug || *debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	<-sched.Stop().Done()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctxTimeout.Done():
		log.Warn().Msg("in-flight runs did not finish, cancelling")
		cancel()
		<-done
	}
}

// restore installs daily triggers for configured accounts and then for
// stored ones; a stored account replaces a configured one with the same id.
func restore(ctx context.Context, sched *scheduler.Service, repo store.Repository, configured []domain.Account) {
	for _, a := range configured {
		if _, err := sched.Restore(a); err != nil {
			log.Error().Err(err).Str("account", a.ID).Msg("restore configured account")
		}
	}
	stored, err := repo.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list stored accounts")
		return
	}
	for _, a := range stored {
		if _, err := sched.Restore(a); err != nil {
			log.Error().Err(err).Str("account", a.ID).Msg("restore stored account")
		}
	}
	log.Info().Strs("accounts", sched.AccountIDs()).Msg("accounts restored")
}
