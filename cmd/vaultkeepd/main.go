package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/config"
	"github.com/vaultkeep/vaultkeep/internal/handlers"
	"github.com/vaultkeep/vaultkeep/internal/middleware"
	"github.com/vaultkeep/vaultkeep/internal/static"
	"github.com/vaultkeep/vaultkeep/internal/storage"
	"github.com/vaultkeep/vaultkeep/internal/storage/filesystem"
	"github.com/vaultkeep/vaultkeep/internal/storage/s3"
	"github.com/vaultkeep/vaultkeep/internal/tusd"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting vaultkeep",
		"version", version,
		"port", cfg.Port,
		"backend", cfg.StorageBackend,
		"max_upload_size", cfg.MaxUploadSize,
	)

	backend, cat, err := buildStorage(cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	startTime := time.Now()

	uploads := tusd.NewHandler(backend, cat, "/uploads", cfg.MaxUploadSize)

	mux := http.NewServeMux()
	mux.Handle("/uploads", uploads)
	mux.Handle("/uploads/", uploads)
	mux.HandleFunc("GET /list-files", handlers.ListFilesHandler(cat))
	mux.HandleFunc("GET /download/{id}", handlers.DownloadHandler(backend, cat))
	mux.HandleFunc("GET /health", handlers.HealthHandler(backend, startTime, version))
	mux.Handle("GET /metrics", handlers.MetricsHandler())

	// Everything else is the web client, with index.html as the
	// fallback for client-side routes.
	mux.Handle("/", static.Handler())

	handler := middleware.RecoveryMiddleware(
		middleware.LoggingMiddleware(
			middleware.CORSMiddleware(cfg.PublicURL)(mux),
		),
	)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
		// No WriteTimeout: large uploads and downloads legitimately
		// hold a connection for longer than any fixed budget.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if fs, ok := backend.(*filesystem.FilesystemBackend); ok {
		go startPartialSweeper(ctx, fs, time.Duration(cfg.PartialExpiryHours)*time.Hour)
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig)
		cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				slog.Error("server close failed", "error", err)
			}
			os.Exit(1)
		}

		slog.Info("server shutdown complete")
	}
}

// buildStorage resolves the configured backend variant and its matching
// catalog exactly once at startup.
func buildStorage(cfg *config.Config) (storage.Backend, catalog.Catalog, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		backend, err := s3.New(context.Background(), s3.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
			PresignExpiry:   time.Duration(cfg.PresignExpiryMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, err
		}
		cat, err := catalog.NewSQLite(cfg.CatalogDBPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("s3 backend ready", "bucket", cfg.S3Bucket, "region", cfg.S3Region)
		return backend, cat, nil

	default:
		backend, err := filesystem.New(cfg.UploadDir)
		if err != nil {
			return nil, nil, err
		}
		cat, err := catalog.NewSidecar(backend.BaseDir())
		if err != nil {
			return nil, nil, err
		}
		slog.Info("local backend ready", "dir", cfg.UploadDir)
		return backend, cat, nil
	}
}

// startPartialSweeper periodically removes abandoned partial uploads.
func startPartialSweeper(ctx context.Context, fs *filesystem.FilesystemBackend, maxAge time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := fs.SweepStalePartials(ctx, maxAge)
			if err != nil {
				slog.Error("partial sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("partial sweep complete", "removed", removed)
			}
		}
	}
}
