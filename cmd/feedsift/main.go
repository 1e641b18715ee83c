package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"feedsift/internal/ai"
	"feedsift/internal/api"
	"feedsift/internal/bot"
	"feedsift/internal/catalog"
	"feedsift/internal/config"
	"feedsift/internal/dedup"
	"feedsift/internal/fetcher"
	"feedsift/internal/httpcache"
	"feedsift/internal/keyword"
	"feedsift/internal/notify"
	"feedsift/internal/processor"
	"feedsift/internal/scheduler"
	"feedsift/internal/storage"
	"feedsift/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg == nil {
		return
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("feedsift stopped with error", "error", err)
		cancel()
		os.Exit(1)
	}
	log.Info("feedsift stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	if n, err := store.ResetFetching(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn("cleared stale fetch flags", "sources", n)
	}

	if cfg.SeedFile != "" {
		seed, err := catalog.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, store, log); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	var tg *tgbotapi.BotAPI
	if cfg.TelegramBotToken != "" {
		tg, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("create bot api: %w", err)
		}
	}

	var dispatcher notify.Dispatcher = notify.NewLog(log)
	if tg != nil {
		dispatcher = notify.NewTelegram(tg, log)
	}

	clients := httpcache.New()
	engine := ai.NewEngine(clients, ai.Options{
		BatchSize:      cfg.AIBatchSize,
		MaxAttempts:    cfg.AIMaxAttempts,
		InitialBackoff: cfg.AIInitialBackoff,
	}, log)
	feeds := fetcher.New(fetcher.NewHTTPClient(cfg.FeedTimeout), cfg.UserAgent, log)
	keywords := keyword.NewNotifier(store, dispatcher, log)
	proc := processor.New(store, feeds, dedup.New(store, cfg.DedupWindow()), keywords, engine, log)

	g, gctx := errgroup.WithContext(ctx)

	pool := worker.New(cfg.WorkerCount, cfg.QueueCapacity, log)
	pool.Start(gctx)

	sched := scheduler.New(store, pool, proc, scheduler.Options{
		BatchSize:        cfg.SchedulerBatchSize,
		IdleInterval:     cfg.SchedulerIdleInterval,
		DispatchInterval: cfg.SchedulerDispatchInterval,
	}, log)

	maintenance, err := scheduler.NewMaintenance(cfg.MaintenanceSchedule, clients, sched.Status, log)
	if err != nil {
		return err
	}
	maintenance.Start()

	log.Info("starting feedsift",
		"workers", cfg.WorkerCount,
		"queue_capacity", cfg.QueueCapacity,
		"api", cfg.HTTPAddr != "",
		"bot", tg != nil,
	)

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	if cfg.HTTPAddr != "" {
		router := api.NewRouter(api.NewHandler(sched, log), cfg.APIAccessKey, log)
		g.Go(func() error {
			return api.Serve(gctx, cfg.HTTPAddr, router, log)
		})
	}

	if tg != nil {
		b := bot.New(tg, store, sched, engine, cfg, log)
		g.Go(func() error {
			b.Run(gctx)
			return nil
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	maintenance.Stop(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error("worker pool shutdown", "error", err)
	}
	keywords.Wait()
	clients.CloseIdleConnections()

	return runErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
