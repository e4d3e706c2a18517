package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmacedo/galton/internal/compute"
	"github.com/tmacedo/galton/internal/config"
	"github.com/tmacedo/galton/internal/database"
	"github.com/tmacedo/galton/internal/dataset"
	"github.com/tmacedo/galton/internal/dispatcher"
	"github.com/tmacedo/galton/internal/handler"
	"github.com/tmacedo/galton/internal/pool"
	"github.com/tmacedo/galton/internal/queue"
	"github.com/tmacedo/galton/internal/scheduler"
	"github.com/tmacedo/galton/internal/service"
	"github.com/tmacedo/galton/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting Galton Analysis Service", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB
	db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Disconnect(context.Background()); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Create indexes
	if err := database.CreateIndexes(ctx, db); err != nil {
		slog.Error("Failed to create indexes", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	analysisRepo := database.NewAnalysisRepository(db)
	lockRepo := database.NewLockRepository(db)

	// Initialize the lifecycle tracker (the only writer of analysis records)
	lifecycle := service.NewLifecycle(analysisRepo)

	// Initialize scheduling state
	registry := pool.NewRegistry(cfg.ComputeSlots)
	admission := queue.New(cfg.MaxQueueDepth)

	// Initialize compute client and dataset source
	computeClient := compute.NewClient()
	datasets := dataset.NewFileSource(cfg.DatasetDir)

	// Initialize dispatcher
	disp := dispatcher.New(registry, admission, lifecycle, computeClient, datasets, dispatcher.Options{
		ComputeTimeout:  cfg.ComputeTimeout,
		DefaultFamily:   cfg.DefaultFamily,
		SeedJobDuration: cfg.SeedJobDuration,
	})
	disp.Start()

	// Initialize reconciler
	var reconciler *scheduler.Reconciler
	if cfg.ReconcilerEnabled {
		reconciler, err = scheduler.NewReconciler(cfg, lifecycle, disp, lockRepo)
		if err != nil {
			slog.Error("Failed to initialize reconciler", "error", err)
			os.Exit(1)
		}
		reconciler.Start(ctx)
	}

	// Initialize handlers
	analysisHandler := handler.NewAnalysisHandler(disp, lifecycle)
	adminHandler := handler.NewAdminHandler(disp)
	healthHandler := handler.NewHealthHandler(db, disp, version)

	// Create CORS config
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}

	// Create router
	router := handler.NewRouter(
		analysisHandler,
		adminHandler,
		healthHandler,
		corsConfig,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new submissions arrive
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stop dispatcher (wait for in-flight compute jobs)
	slog.Info("Stopping dispatcher...")
	disp.Stop(shutdownCtx)

	if reconciler != nil {
		slog.Info("Stopping reconciler...")
		reconciler.Stop(shutdownCtx)
	}

	slog.Info("Galton Analysis Service stopped")
}
