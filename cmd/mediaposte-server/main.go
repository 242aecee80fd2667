// Command mediaposte-server hosts targeting sessions and exposes them to
// the host application over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediaposte/server/internal/api"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mediaposte-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := zoneservice.NewClient(cfg, log)
	client.OnCall(metrics.ObserveZoneServiceCall)
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.HealthCheck(checkCtx); err != nil {
		// Sessions report service failures to the operator; start anyway.
		log.Warn("zone data service not reachable", zap.String("url", cfg.ZoneService.BaseURL), zap.Error(err))
	}
	cancel()

	manager := session.NewManager(session.Options{
		Config:  cfg,
		Service: client,
		Kinds:   zonekind.Default(),
		Logger:  log,
	}, cfg.Server.SessionTTL)
	defer manager.Close()
	go manager.Run(ctx)

	router, err := api.NewRouter(cfg, manager, log)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mediaposte server starting",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("zone_service", cfg.ZoneService.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
