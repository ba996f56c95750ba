package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/labsync/internal/api"
	"github.com/orrn/labsync/internal/api/middleware"
	"github.com/orrn/labsync/internal/archive"
	"github.com/orrn/labsync/internal/complete"
	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/download"
	"github.com/orrn/labsync/internal/format"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/regulate"
	"github.com/orrn/labsync/internal/remote"
	"github.com/orrn/labsync/internal/store"
)

const (
	notifyWorkers   = 2
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "labsync.yaml", "path to the config `file`")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, logger); err != nil {
		logger.Error("labsync stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "plain":
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
}

func run(ctx context.Context, configPath string, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.Open(store.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "labsync"),
	)
	m := metrics.New(registry)

	reg, err := regulate.New(cfg.Regulation, logger, m)
	if err != nil {
		return err
	}
	handler, err := remote.NewHandler(cfg.Remote, reg, m, logger)
	if err != nil {
		return err
	}
	sender := notify.NewSender(cfg.Notify, logger)

	var local download.LocalRenderer
	if cfg.Remote.LocalService != "" {
		local = &remote.LocalSource{Address: cfg.Remote.LocalService, Timeout: cfg.Remote.LocalTimeout}
	}
	downloader := download.NewEngine(download.Options{
		Store:     st,
		Remote:    handler,
		Regulator: reg,
		Local:     local,
		Notifier:  sender,
		Config:    cfg.Download,
		Variants:  cfg.Remote.Variants,
		Metrics:   m,
		Logger:    logger,
	})
	scheduler := download.NewScheduler(downloader, cfg.Download)

	table, err := dispatch.NewTable(cfg)
	if err != nil {
		return err
	}
	formats := format.Default()
	engine := dispatch.NewEngine(st, table, sender, m, logger)
	runner := dispatch.NewRunner(engine, formats, cfg.Dispatch)

	prop := complete.NewPropagator(st, formats, engine, sender, m, logger)
	scanner := complete.NewScanner(prop, cfg.Completion.ScanInterval)
	archiver := archive.NewArchiver(prop, st, cfg.Database, logger)

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		t, err := dispatch.NewTable(next)
		if err != nil {
			logger.Error("queue table rejected", "error", err)
			return
		}
		engine.SetTable(t)
		scheduler.SetDue(next.Download.Due)
	}, logger)

	auth, err := middleware.NewAuthMiddleware(cfg.Server)
	if err != nil {
		return err
	}
	if !auth.Enabled() {
		logger.Warn("no password hash configured, the API is not authenticated")
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Store:    st,
			Engine:   engine,
			Prop:     prop,
			Archiver: archiver,
			Auth:     auth,
			Gatherer: registry,
			Logger:   logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sender.Run(gctx, notifyWorkers) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return archiver.Run(gctx) })
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			logger.Warn("config reload disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("labsync started",
		"queues", len(cfg.Queues),
		"variants", len(cfg.Remote.Variants),
		"root_dir", cfg.Download.RootDir,
	)
	err = g.Wait()
	logger.Info("labsync stopped")
	return err
}
