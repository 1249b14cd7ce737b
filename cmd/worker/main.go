package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrollcall/internal/config"
	"qrollcall/internal/queue"
	"qrollcall/internal/session"
	"qrollcall/internal/store"
)

// Worker consumes accepted-mark events for audit logging and, when enabled,
// purges sessions that expired longer ago than the configured retention.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down worker...")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrollcall:marks")
	}

	if cfg.PurgeAfter > 0 {
		go runPurge(ctx, session.NewRepository(db.Client), cfg.PurgeAfter, cfg.PurgeInterval)
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("worker started")
	for msg := range msgs {
		switch msg.Type {
		case "mark":
			log.Printf("attendance recorded: %s", msg.Body)
		default:
			log.Printf("skipping unknown message type %q", msg.Type)
		}
	}
	log.Println("worker exited")
}

// runPurge deletes long-expired sessions on a ticker. Protocol correctness
// never depends on this; expiry is enforced at read time.
func runPurge(ctx context.Context, repo *session.Repository, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := repo.PurgeExpiredBefore(ctx, cutoff)
			if err != nil {
				log.Printf("session purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("purged %d expired sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
