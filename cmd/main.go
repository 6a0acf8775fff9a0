package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdf-vector-ingest/internal/app"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/queue"
	"pdf-vector-ingest/middleware"
	"pdf-vector-ingest/routes"
	"pdf-vector-ingest/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.InitLogger(cfg)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.Options{WithEmbedder: true})
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	deps := routes.Dependencies{
		Config:   cfg,
		Store:    a.Store,
		Searcher: a.Pipeline.Searcher(),
		Ingester: a.Pipeline,
		Exporter: services.NewExportService(a.Store),
		Auth:     middleware.NewAuthMiddleware(cfg.JWTSecret),
	}
	if a.Redis != nil {
		opt, err := queue.RedisConnOpt(cfg)
		if err != nil {
			logger.Error("Invalid Redis settings", "error", err)
			os.Exit(1)
		}
		qc := queue.NewClient(opt)
		defer qc.Close()
		inspector := queue.NewInspector(opt)
		defer inspector.Close()
		deps.Queue = qc
		deps.Tasks = inspector
		logger.Info("Ingestion requests will be queued", "queue", queue.QueueIngest)
	} else {
		logger.Warn("Redis not configured, ingestion runs inside requests")
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, the API is open")
	}

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RequestLogger())
	if cfg.OTelEnabled {
		router.Use(middleware.TracingMiddleware(app.ServiceName))
		router.Use(middleware.EnrichTrace())
	}
	router.Use(middleware.MetricsMiddleware(a.Metrics))

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Content-Disposition"}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	router.Use(middleware.RateLimitMiddleware(a.Redis, middleware.RateLimitConfig{
		Requests: cfg.RateLimitReqs,
		Window:   time.Duration(cfg.RateLimitWindow) * time.Second,
	}))
	router.Use(middleware.RequestSizeLimit(cfg.MaxFileSize + 1<<20))

	// Setup routes
	routes.SetupHealthRoutes(router, a.Store)
	routes.SetupAPIRoutes(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
