package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/delivery"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes queued code deliveries and emails them.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if cfg.QueueBackend != "redis" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis, got %q", cfg.QueueBackend)
	}

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

	redisClient := store.NewRedis(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Println("WARNING: redis not reachable yet, consumer will keep retrying")
	}

	mailer, err := delivery.NewMailer(cfg.ResendAPIKey, cfg.MailFrom)
	if err != nil {
		log.Fatalf("mailer init failed: %v", err)
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	if err := delivery.NewWorker(q, mailer, cfg.DeliveryAttempts).Run(ctx); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}
