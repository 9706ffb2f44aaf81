package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"geoattend/internal/audit"
	"geoattend/internal/config"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Worker drains the audit queue into Postgres.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.QueueBackend != "redis" || cfg.StoreBackend != "postgres" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis and STORE_BACKEND=postgres, got %s/%s", cfg.QueueBackend, cfg.StoreBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis not reachable at %s, will keep retrying", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	repo := store.NewRepository(db.Client)

	log.Println("audit worker started, waiting for messages...")
	if err := audit.Consume(ctx, q, repo); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("audit worker stopped: %v", err)
	}
	log.Println("worker stopped")
}
