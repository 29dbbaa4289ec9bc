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

	"chronicle/collab/internal/app"
	"chronicle/collab/internal/archive"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/content"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/store"
	"chronicle/collab/internal/transport"
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

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	var primary search.Engine
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, search.NewPgFTS(dataStore))
	if primary != nil {
		go searchService.ReindexAll(ctx, dataStore)
	}

	var archiver content.Archiver
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: snapshot archive disabled: %v", err)
		} else {
			log.Printf("Archiving snapshots to bucket %s", cfg.MinIOBucket)
			archiver = archiveStore
		}
	}

	contentService := content.NewService(dataStore, gitService, archiver, searchService)

	presence, err := session.NewPresenceStore(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer presence.Close()
	broker := transport.NewRedisWithClient(presence.Client())

	service := app.New(contentService, presence, searchService)
	service.AddCheck("database", dataStore)
	service.AddCheck("redis", presence)

	relay := app.NewRelay(broker, presence, app.RelayOptions{AllowedOrigin: cfg.CORSOrigin})
	httpServer := app.NewHTTPServer(service, relay, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Collab gateway listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Hijacked websocket connections are not covered by Shutdown.
	relay.Close()
	_ = broker.Close()
	searchService.Wait()
}
