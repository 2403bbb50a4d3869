package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dossier/api/internal/app"
	"dossier/api/internal/artifact"
	"dossier/api/internal/config"
	"dossier/api/internal/lock"
	"dossier/api/internal/logging"
	"dossier/api/internal/readiness"
	"dossier/api/internal/render"
	"dossier/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(db, cfg.MigrationsDir, logger); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	blobs, closeBlobs, err := artifact.OpenBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = closeBlobs() }()
	if cfg.Storage.Backend == "memory" {
		logger.Warn("artifacts are kept in memory and will not survive a restart")
	}

	var locks lock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocks, err := lock.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisLocks.Close()
		locks = redisLocks
		logger.Info("using redis for issuance locks")
	} else {
		locks = lock.NewMemoryLocker()
		logger.Info("using in-process issuance locks; run a single replica")
	}

	renderer, err := render.New(render.Format(cfg.RenderFormat))
	if err != nil {
		return err
	}
	rules, err := readiness.Load(cfg.ReadinessRulesFile)
	if err != nil {
		return err
	}

	service := app.New(cfg, app.Dependencies{
		Store:     dataStore,
		Artifacts: artifact.NewLocker(blobs, dataStore, logger.Named("artifact")),
		Renderer:  renderer,
		Readiness: rules,
		Locks:     locks,
		Logger:    logger.Named("service"),
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, []byte(cfg.JWTSecret), logger.Named("http"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// issuance renders and uploads inside the request
		WriteTimeout: cfg.IssueTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dossier api listening",
			zap.String("addr", cfg.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("render_format", cfg.RenderFormat),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.IssueTimeout+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
