package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"google.golang.org/grpc"

	"filevault/internal/config"
	"filevault/internal/handler"
	"filevault/internal/health"
	"filevault/internal/logger"
	"filevault/internal/metrics"
	"filevault/internal/repository"
	"filevault/internal/service"
	"filevault/internal/service/s3"
	"filevault/migrations"
)

const healthInterval = 15 * time.Second

func connectWithRetry(ctx context.Context, dsn string, maxAttempts int, delay time.Duration, log zerolog.Logger) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Warn().Err(err).Msgf("Failed to connect to database (attempt %d/%d)", i+1, maxAttempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(databaseURL string, log zerolog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var m *migrate.Migrate
	for i := 0; i < 5; i++ {
		m, err = migrate.NewWithSourceInstance("iofs", source, databaseURL)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msgf("Failed to create migrate instance (attempt %d/5)", i+1)
		time.Sleep(time.Second * 5)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn().Uint("version", version).Msg("Found dirty database state, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func main() {
	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = ".app.env"
	}
	appConfig, err := config.NewConfig(cfgPath)
	if err != nil {
		boot := logger.New("info", false)
		boot.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logger.New(appConfig.Log.Level, appConfig.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectWithRetry(ctx, appConfig.Database.GetDSN(), 5, 5*time.Second, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database after retries")
	}
	defer db.Close()

	db.SetMaxOpenConns(appConfig.Database.MaxOpenConns)
	db.SetMaxIdleConns(appConfig.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(appConfig.Database.MigrateURL(), log); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	blobs, err := s3.New(&appConfig.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fileRepo := repository.NewFileRepository(db)
	fileService := service.NewFileService(fileRepo, blobs, service.Options{
		Bucket:         appConfig.Storage.Bucket,
		PresignTTL:     appConfig.Storage.PresignTTL,
		MaxUploadBytes: appConfig.Storage.MaxUploadBytes,
	}, log, metrics.New(registry))

	if err := fileService.EnsureBucket(ctx); err != nil {
		// Uploads retry the check lazily, so a storage outage at boot is not fatal.
		log.Error().Err(err).Msg("Failed to ensure bucket at startup")
	}

	checker := health.NewChecker(fileService.Health, healthInterval, log)
	fileHandler := handler.NewFileHandler(fileService, appConfig.Storage.MaxUploadBytes)

	r := chi.NewRouter()

	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", fileHandler.Routes)
	r.Method(http.MethodGet, "/healthz", checker)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go checker.Run(healthCtx)

	errCh := make(chan error, 2)

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			errCh <- fmt.Errorf("listen for gRPC: %w", err)
			return
		}
		log.Info().Str("port", appConfig.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	go func() {
		log.Info().Str("port", appConfig.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down servers...")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed, shutting down")
	}

	stopHealth()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server exited properly")
}
