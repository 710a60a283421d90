package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clippress/api/internal/app"
	"clippress/api/internal/clipcache"
	"clippress/api/internal/config"
	"clippress/api/internal/search"
	"clippress/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	var invalidators []store.RegionInvalidator

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := clipcache.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		invalidators = append(invalidators, cache)
		log.Printf("Render cache eviction enabled (redis)")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err := clipcache.NewArtifactStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		invalidators = append(invalidators, artifacts)
		log.Printf("Clip artifact eviction enabled (bucket %s)", cfg.MinioBucket)
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		invalidators = append(invalidators, search.NewRegionIndex(cfg.MeiliURL, cfg.MeiliMasterKey))
		log.Printf("Region index eviction enabled (meilisearch)")
	}

	dataStore := store.NewPostgresStore(db, invalidators...)
	service := app.New(cfg, dataStore)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go app.NewSweeper(service, cfg.SweepInterval).Run(sweepCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Clippress API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
