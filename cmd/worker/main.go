package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classcheck/internal/cache"
	"classcheck/internal/config"
	"classcheck/internal/queue"
	"classcheck/internal/roster"
	"classcheck/internal/store"
)

// Worker drains cache write-back jobs published by the API process and
// applies them to the shared Redis cache behind the size guard.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Fatalf("redis not reachable at %s", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, "classcheck:writebacks")
	guard := cache.NewGuard(cache.NewRedis(redisClient.Client, cfg.CacheTTL), cfg.CacheSizeLimit)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for write-back jobs...")
	roster.RunWritebacks(messages, guard)
	log.Println("worker stopped")
}
