package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/config"
	"github.com/lettera-app/feedsync/internal/images"
	"github.com/lettera-app/feedsync/internal/ingest"
	"github.com/lettera-app/feedsync/internal/metrics"
	"github.com/lettera-app/feedsync/internal/mutate"
	"github.com/lettera-app/feedsync/internal/state"
	"github.com/lettera-app/feedsync/internal/store"
	"github.com/lettera-app/feedsync/internal/syncer"
	"github.com/lettera-app/feedsync/internal/web"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- local state ----
	local := state.Open(cfg.StatePath, cfg.UserKey, logger)
	defer local.Close() //nolint:errcheck

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	backend := api.NewClient(cfg.BackendBaseURL, cfg.RequestTimeout, cfg.PageSize, cfg.RateLimit, logger)

	resolver := images.NewResolver(
		images.NewHTTPLoader(cfg.ImageLoadTimeout),
		logger,
		m.ImageHooks(),
	)

	feed := store.New(cfg.MaxCache, logger,
		store.WithLocalState(local),
		store.WithReleaseHook(resolver.Release),
		store.WithHooks(m.StoreHooks()),
	)

	monitor := ingest.NewMonitor(
		ingest.NewSSEOpener(cfg.BackendBaseURL),
		backend,
		feed,
		nil, // connectivity probe: assume online
		ingest.Config{
			Debounce:          cfg.DebounceWindow,
			ItemRetryBase:     cfg.ItemRetryBase,
			ItemRetryJitter:   cfg.ItemRetryJitter,
			ItemRetryMax:      cfg.ItemRetryMax,
			StreamRetryBase:   cfg.StreamRetryBase,
			StreamRetryCap:    cfg.StreamRetryCap,
			StreamRetryJitter: cfg.StreamRetryJitter,
			StreamRetryMax:    cfg.StreamRetryMax,
		},
		nil,
		m.MonitorHooks(),
		logger,
	)

	coord := mutate.NewCoordinator(feed, backend, local, nil, m.MutateHooks(), logger)

	orch := syncer.New(backend, feed, monitor, syncer.Config{
		PullBatch:           cfg.PullBatch,
		PullPages:           cfg.PullPages,
		PullTarget:          cfg.PullTarget,
		FailCooldown:        cfg.FailCooldown,
		QuietCooldown:       cfg.QuietCooldown,
		QuietCooldownSpread: cfg.QuietCooldownSpread,
		TailPollInterval:    cfg.TailPollInterval,
		TailPollMax:         cfg.TailPollMax,
	}, m.SyncerHooks(), logger)

	// ---- background sync ----
	// Context for all background goroutines; cancelled on shutdown signal.
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()

	go func() {
		// Initial load plus one pull so a fresh session converges quickly.
		if err := orch.Reset(syncCtx); err != nil {
			logger.Warn("initial feed load failed", zap.Error(err))
		}
		if err := orch.Trigger(syncCtx, syncer.TriggerManual); err != nil {
			logger.Warn("initial pull failed", zap.Error(err))
		}

		ticker := time.NewTicker(cfg.BackgroundPoll)
		defer ticker.Stop()
		for {
			select {
			case <-syncCtx.Done():
				return
			case <-ticker.C:
				if err := orch.Trigger(syncCtx, syncer.TriggerPoll); err != nil {
					logger.Debug("background poll skipped", zap.Error(err))
				}
			}
		}
	}()

	// ---- HTTP server ----
	router := web.NewRouter(web.Deps{
		Store:    feed,
		State:    local,
		Backend:  backend,
		Coord:    coord,
		Resolver: resolver,
		Orch:     orch,
		Registry: reg,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop background sync, then the stream watchers and image fetches.
	cancelSync()
	orch.Close()
	monitor.Close()
	resolver.Close()

	logger.Info("server stopped cleanly")
}
