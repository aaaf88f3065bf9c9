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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"baliseregistry/internal/auth"
	"baliseregistry/internal/config"
	"baliseregistry/internal/handler"
	"baliseregistry/internal/metrics"
	"baliseregistry/internal/repository"
	"baliseregistry/internal/service"
	"baliseregistry/internal/service/s3"
)

const (
	connectAttempts = 5
	connectDelay    = 5 * time.Second
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectWithRetry(ctx context.Context, conf *config.DatabaseConfig, log *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectDelay), connectAttempts-1),
		ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", conf.GetDSN())
		if err != nil {
			log.Warn("failed to connect to database",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", connectAttempts),
				zap.Error(err),
			)
		}
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
	}

	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetMaxIdleConns(conf.MaxOpenConns / 5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func runMigrations(conf *config.DatabaseConfig, log *zap.Logger) error {
	m, err := migrate.New("file://migrations", conf.MigrationURL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn("found dirty database state, forcing version", zap.Uint("version", version))
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
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(appConfig.Server.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(appConfig, log); err != nil {
		log.Fatal("service stopped", zap.Error(err))
	}
}

func run(appConfig *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectWithRetry(ctx, &appConfig.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := runMigrations(&appConfig.Database, log); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	s3Config, err := s3.NewConfig(".s3.env")
	if err != nil {
		return fmt.Errorf("failed to load S3 config: %w", err)
	}
	blobs, err := s3.NewClient(ctx, s3Config, log, m)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	authConfig, err := auth.NewConfig(".auth.env")
	if err != nil {
		return fmt.Errorf("failed to load auth config: %w", err)
	}
	conn, err := grpc.NewClient(authConfig.AuthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to auth service: %w", err)
	}
	defer conn.Close()
	authClient := auth.NewClient(conn, authConfig)

	baliseRepo := repository.NewBaliseRepository(db)
	archiveRepo := repository.NewArchiveRepository(db)

	idRange := service.IDRange{Min: appConfig.Balise.IDMin, Max: appConfig.Balise.IDMax}

	resolver := service.NewVersionResolver(baliseRepo)
	lockService := service.NewLockService(baliseRepo, log, m)
	uploadService := service.NewUploadService(baliseRepo, blobs, idRange, log)
	archiveService := service.NewArchiveService(baliseRepo, archiveRepo, blobs, log, m)
	baliseService := service.NewBaliseService(baliseRepo, blobs, resolver, log)
	bulkService := service.NewBulkService(
		service.NewBulkOrchestrator(appConfig.Balise.BulkChunkSize, log, m),
		lockService,
		uploadService,
		archiveService,
		baliseRepo,
		idRange,
		log,
	)

	baliseHandler := handler.NewBaliseHandler(
		baliseService,
		uploadService,
		lockService,
		archiveService,
		bulkService,
		appConfig.Balise.MaxUploadBytes,
		log,
	)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(appConfig.Server.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(authClient, log))
		baliseHandler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("port", appConfig.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited properly")
	return nil
}
