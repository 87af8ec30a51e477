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

	"jiravision/api/internal/app"
	"jiravision/api/internal/config"
	"jiravision/api/internal/kv"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var store kv.Store
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis for session and project storage")
		redisStore, err := kv.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		store = redisStore
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		log.Printf("Using PostgreSQL for session and project storage")
		pgStore, err := kv.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		store = pgStore
	default:
		log.Printf("WARNING: no REDIS_URL or DATABASE_URL set, state is in-memory and lost on restart")
		store = kv.NewMemory()
	}
	defer store.Close()

	if cfg.AtlassianClientID == "" {
		log.Printf("WARNING: ATLASSIAN_CLIENT_ID not set, OAuth login will fail")
	}
	if cfg.QueryConfigPath != "" {
		log.Printf("Query configuration loaded from %s", cfg.QueryConfigPath)
	}

	service := app.New(cfg, store)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("JiraVision API listening on %s", cfg.Addr)
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
}
