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
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/internal/httpserver"
	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server"
	authmem "github.com/cyp0633/caldora/server/auth/memory"
	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	storemem "github.com/cyp0633/caldora/server/storage/memory"
	"github.com/cyp0633/caldora/server/storage/postgres"
	"github.com/cyp0633/caldora/server/view"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALDORA_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "caldora:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store storage.Store
		ready func(context.Context) error
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pg, pool, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pool.Close()
		store, ready = pg, pool.Ping
	default:
		store = storemem.New()
		logger.Warn("using in-memory storage; data is lost on restart")
	}

	users := authmem.New(authmem.WithLogger(logger.With("component", "users")))
	if err := seed(ctx, cfg, store, users); err != nil {
		return err
	}

	planner := recurrence.NewPlannerWithConfig(recurrence.Config{
		CacheEnabled: cfg.Recurrence.CacheEnabled,
		CacheConfig: recurrence.CacheConfig{
			TTL:        cfg.Recurrence.CacheTTL,
			MaxEntries: cfg.Recurrence.CacheMaxEntries,
		},
		MaxOccurrences: cfg.Recurrence.MaxOccurrences,
	})
	defer planner.Close()
	metrics.WatchExpansionCache(func() metrics.CacheSample {
		st := planner.CacheStats()
		return metrics.CacheSample{Hits: st.Hits, Misses: st.Misses, Entries: st.ActiveEntries}
	})

	eng := engine.New(store,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithPlanner(planner),
		engine.WithDirectory(users),
		engine.WithACL(users),
		engine.WithDefaultAlarm(cfg.DefaultAlarmAgents...),
	)

	scheduler := cron.New()
	if cfg.Ledger.CompactionCron != "" {
		retention := cfg.Ledger.Retention
		if _, err := scheduler.AddFunc(cfg.Ledger.CompactionCron, func() {
			if err := eng.Compact(ctx, retention); err != nil {
				logger.Error("ledger compaction failed", "error", err)
				return
			}
			logger.Info("ledger compacted", "retention", retention)
		}); err != nil {
			return fmt.Errorf("compaction schedule %q: %w", cfg.Ledger.CompactionCron, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	caldav := server.NewCaldavHandler(cfg.Prefix, cfg.Realm, eng, nil, users, logger.With("component", "caldav"))
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: httpserver.NewRouter(httpserver.Options{
			Prefix:        cfg.Prefix,
			Realm:         cfg.Realm,
			CalDAV:        caldav,
			Authenticator: users,
			Metrics:       cfg.MetricsEnabled,
			Ready:         ready,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Listen, "prefix", cfg.Prefix, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

// seed loads the configured accounts and provisions their collections.
// Collections that already exist are kept.
func seed(ctx context.Context, cfg *config.Config, store storage.Store, users *authmem.Store) error {
	for _, u := range cfg.Users {
		if err := users.AddUserHash(u.ID, u.PasswordHash, u.Addresses...); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}

		cols := u.Collections
		if len(cols) == 0 {
			cols = []config.CollectionConfig{{ID: u.ID + "-default", DisplayName: "Calendar"}}
		}
		hasDefault := false
		for _, c := range cols {
			hasDefault = hasDefault || c.Default
		}
		for i, c := range cols {
			err := store.CreateCollection(ctx, &model.Collection{
				ID:          c.ID,
				Owner:       u.ID,
				DisplayName: c.DisplayName,
				Default:     c.Default || (!hasDefault && i == 0),
			})
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("seed collection %s: %w", c.ID, err)
			}
		}
	}

	for _, u := range cfg.Users {
		for _, g := range u.Grants {
			caps := view.Capabilities{Read: true, Write: g.Write, ReadPrivate: g.Private}
			if err := users.Grant(u.ID, g.Delegate, caps); err != nil {
				return fmt.Errorf("seed grant: %w", err)
			}
		}
	}
	return nil
}
