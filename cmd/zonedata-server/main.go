// Command zonedata-server serves zone geometries from PostGIS.
//
// Usage:
//
//	zonedata-server                          serve
//	zonedata-server -import commune=communes.geojson -import mediaposte=usl.geojson
//
// With -import the files are loaded into the zone tables and the command
// exits without serving.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mediaposte/server/internal/api"
	"github.com/mediaposte/server/internal/auth"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/database"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/zonedata"
	"github.com/mediaposte/server/internal/zonekind"
	"go.uber.org/zap"
)

type importList []string

func (l *importList) String() string { return strings.Join(*l, ",") }

func (l *importList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected kind=path, got %q", v)
	}
	*l = append(*l, v)
	return nil
}

func main() {
	var imports importList
	flag.Var(&imports, "import", "load a GeoJSON FeatureCollection as kind=path (repeatable)")
	flag.Parse()

	if err := run(imports); err != nil {
		fmt.Fprintf(os.Stderr, "zonedata-server: %v\n", err)
		os.Exit(1)
	}
}

func run(imports importList) error {
	cfg, err := config.LoadZoneData()
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

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(ctx, db, log); err != nil {
			return err
		}
	}

	storage := database.NewZoneStorage(db, zonekind.Default(), log)
	if len(imports) > 0 {
		return importFiles(ctx, storage, imports, log)
	}

	cache, err := zonedata.NewRedisCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var handlerCache zonedata.Cache
	if cache != nil {
		defer cache.Close()
		handlerCache = cache
		log.Info("response cache enabled", zap.String("redis", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
	}

	limit, err := api.RateLimitMiddleware(cfg.Server.RateLimit, log)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	handlers := zonedata.NewHandlers(storage, zonekind.Default(), handlerCache, log)
	router := auth.SecurityHeadersMiddleware(cfg.Server.IsProduction())(zonedata.NewRouter(handlers, limit))

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("zone data server starting", zap.String("addr", srv.Addr))
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func importFiles(ctx context.Context, storage *database.ZoneStorage, imports importList, log *zap.Logger) error {
	for _, entry := range imports {
		kind, path, _ := strings.Cut(entry, "=")
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		res, err := storage.ImportFeatures(ctx, zonekind.ID(kind), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		log.Info("import done", zap.String("file", path), zap.Int("stored", res.Stored), zap.Int("skipped", res.Skipped))
	}
	return nil
}
