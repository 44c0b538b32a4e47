// Command bifrost-evaluator keeps a local copy of the flag definitions and
// serves evaluations over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/evalapi"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/sdk"
)

const poolMonitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bifrost-evaluator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	var checkers []observability.Checker
	deps := sdk.Deps{}

	if cfg.SDK.NeedsDatabase() {
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		go database.RunPoolMonitor(ctx, pool, poolMonitorInterval)

		deps.DB = pool
		checkers = append(checkers, database.NewHealthChecker(pool))
	}

	if cfg.SDK.NeedsRedis() {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		deps.Redis = client
		checkers = append(checkers, cache.NewRedisHealthChecker(client))
	}

	bifrost, err := sdk.New(logger.Component(log, "sdk"), &cfg.SDK, deps)
	if err != nil {
		return fmt.Errorf("failed to create sdk: %w", err)
	}
	bifrost.Start(ctx)
	defer bifrost.Client.Destroy()

	readyCtx, cancel := context.WithTimeout(ctx, cfg.SDK.ReadyTimeout)
	if err := bifrost.Client.BlockUntilReady(readyCtx); err != nil {
		// Keep serving: evaluations answer control until the first sync lands.
		log.Warn("sdk not ready before timeout, serving control until synchronized",
			slog.Duration("ready_timeout", cfg.SDK.ReadyTimeout),
		)
	}
	cancel()

	checkers = append(checkers, observability.NewReadyChecker(bifrost.Ready()))
	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	obs.Start()

	api := newAPI(log, cfg, bifrost)
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting evaluator api", slog.String("addr", server.Addr), slog.Bool("tls", cfg.Server.TLSEnabled))
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("evaluator api failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop evaluator api", slog.String("error", err.Error()))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop observability server", slog.String("error", err.Error()))
	}

	bifrost.Client.Destroy()
	if err := bifrost.Err(); err != nil {
		return fmt.Errorf("sdk stopped with error: %w", err)
	}

	log.Info("bifrost-evaluator stopped")
	return nil
}

// newAPI enables authentication whenever a key hash is configured. Config
// validation already requires one in production.
func newAPI(log *slog.Logger, cfg *config.Config, bifrost *sdk.SDK) *evalapi.API {
	apiLog := logger.Component(log, "evalapi")
	if cfg.Server.APIKeyHash == "" {
		apiLog.Warn("evaluator api authentication disabled")
		return evalapi.NewAPIWithConfig(apiLog, bifrost.Client, bifrost.Splits, "", true)
	}
	return evalapi.NewAPI(apiLog, bifrost.Client, bifrost.Splits, cfg.Server.APIKeyHash)
}
