// Package main is the entry point for the volume viewer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/volrnd/server/internal/api"
	"github.com/volrnd/server/internal/cache"
	"github.com/volrnd/server/internal/config"
	"github.com/volrnd/server/internal/controller"
	"github.com/volrnd/server/internal/render"
	"github.com/volrnd/server/internal/topology"
	"github.com/volrnd/server/internal/widget"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting volume viewer server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Frame cache (bigcache) and decoded-volume cache (LRU)
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
		FrameTTL:         time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
		VolumeEntries:    cfg.Cache.VolumeEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Load already validated the background color.
	background, _ := cfg.Render.BackgroundColor()

	ctrl := controller.New(controller.Options{
		Width:  cfg.Render.Width,
		Height: cfg.Render.Height,
		Render: render.Config{
			Background: background,
			Downsample: cfg.Render.Downsample,
			Workers:    cfg.Render.Workers,
			Outline:    cfg.Render.Outline,
		},
		ZoomFactor: cfg.Render.CameraZoom,
		Colormap:   cfg.Render.Colormap,
		Widget: widget.Options{
			Width:           cfg.Widget.Width,
			Height:          cfg.Widget.Height,
			RescaleColorMap: cfg.Widget.RescaleColors(),
		},
		DefaultURL:       cfg.Data.DefaultURL,
		AllowRemoteFetch: cfg.Data.AllowRemoteFetch,
		DataDir:          cfg.Data.DataDir,
		FetchTimeout:     time.Duration(cfg.Data.FetchTimeoutSeconds) * time.Second,
		MaxBytes:         int64(cfg.Data.MaxUploadMB) << 20,
		Cache:            cacheManager,
		ExtremumGraph:    topology.Options{
			MinPersistence: cfg.ExtremumGraph.MinPersistence,
			MaxVertices:    cfg.ExtremumGraph.MaxVertices,
		},
	})
	if err := ctrl.Mount(ctx); err != nil {
		log.Fatalf("Failed to set up renderer: %v", err)
	}
	if cfg.Data.DefaultURL != "" {
		log.Printf("Default data: %s", cfg.Data.DefaultURL)
	}
	log.Printf("Fetch policy: data dir %q, remote fetch %v", cfg.Data.DataDir, cfg.Data.AllowRemoteFetch)
	log.Printf("Viewport %dx%d, colormap %q, zoom %.2f",
		cfg.Render.Width, cfg.Render.Height, cfg.Render.Colormap, cfg.Render.CameraZoom)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Controller:     ctrl,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Title:          cfg.Server.Title,
		MaxUploadBytes: int64(cfg.Data.MaxUploadMB) << 20,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	ctrl.Dispose()

	log.Println("Server stopped")
}
