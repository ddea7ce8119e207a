package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/bus"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/chat"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/config"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/game"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/health"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/match"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/middleware"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/ratelimit"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/server"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/signaling"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/supervisor"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/tracing"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	ctx := context.Background()
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, "satoshigle-server", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("Tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiting ---
	limiter, err := ratelimit.New(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Core Services ---
	hub := transport.NewHub(limiter, cfg.AllowedOrigins(), cfg.PerIPConnCap)

	registry := match.NewRegistry()
	matcher := match.NewService(registry, hub, busService, cfg.SkipCooldown)

	sigRelay := signaling.NewRelay(registry, hub, limiter, matcher)
	chatRelay := chat.NewRelay(hub, limiter)
	gameRelay := game.NewRelay(registry, hub, limiter)

	eventRouter := server.NewRouter(matcher, sigRelay, chatRelay, gameRelay, hub, limiter)
	hub.SetRouter(eventRouter)

	sup := supervisor.New(hub, matcher, gameRelay, registry,
		cfg.SweepInterval, cfg.StatsInterval, cfg.GameExpiry)
	sup.Start(ctx)

	// --- HTTP Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware("satoshigle-server"))
	}

	healthHandler := health.NewHandler(busService)
	router.GET("/", limiter.HTTPMiddleware(), healthHandler.Root)
	router.GET("/health", limiter.HTTPMiddleware(), healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", hub.ServeWs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sup.Stop()
	matcher.Stop()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
