// Codehaven - per-user cloud development sandboxes
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/codehaven/codehaven/internal/api"
	"github.com/codehaven/codehaven/internal/config"
	"github.com/codehaven/codehaven/internal/container"
	"github.com/codehaven/codehaven/internal/identity"
	"github.com/codehaven/codehaven/internal/middleware"
	"github.com/codehaven/codehaven/internal/session"
	"github.com/codehaven/codehaven/internal/storage"
	"github.com/codehaven/codehaven/internal/store"
	filesync "github.com/codehaven/codehaven/internal/sync"
	"github.com/codehaven/codehaven/internal/terminal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runtime, err := container.NewDockerRuntime(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Container runtime initialized")

	if err := runtime.BuildBaseImage(context.Background()); err != nil {
		slog.Error("Failed to build sandbox image", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox image ready", "image", cfg.SandboxImage)

	// Remove containers left behind by a previous process before accepting
	// sessions; their owners will reconnect and get fresh ones.
	removed, err := runtime.CleanupOrphans(context.Background())
	if err != nil {
		slog.Warn("Orphan cleanup incomplete", "error", err)
	} else if removed > 0 {
		slog.Info("Orphan containers removed", "count", removed)
	}

	var durable storage.Store
	if cfg.HasObjectStore() {
		s3Store, err := storage.NewS3Store(context.Background(), storage.S3Config{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			slog.Error("Failed to initialize object store", "error", err)
			os.Exit(1)
		}
		durable = s3Store
		slog.Info("Object store connected", "bucket", cfg.Storage.Bucket)
	} else {
		if !cfg.IsDevelopment() {
			slog.Error("STORAGE_BUCKET is required outside development")
			os.Exit(1)
		}
		durable = storage.NewMemoryStore()
		slog.Warn("No object store configured, files will not survive restarts")
	}

	engine := filesync.NewEngine(runtime, durable, logger)
	sessions := session.NewManager(runtime, engine, session.Config{
		ProvisionTimeout: cfg.ProvisionTimeout,
	}, logger)

	verifier := identity.NewVerifier(cfg.JWTSecret)

	baseHandler := api.NewHandler(repo, sessions, durable)
	healthHandler := api.NewHealthHandler(repo, durable, sessions)
	filesHandler := api.NewFilesHandler(baseHandler)
	portsHandler := api.NewPortsHandler(baseHandler, runtime)
	wsHandler := terminal.NewWebSocketHandler(verifier, repo, sessions, cfg.FrontendURL, cfg.IsDevelopment())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated REST routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(verifier, repo))
		filesHandler.RegisterRoutes(r)
		portsHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint authenticates inside the handshake.
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No write timeout: websocket sessions are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container.StartTTLWorker(ctx, repo, cfg.SessionTTL, sessions.Disconnect)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
