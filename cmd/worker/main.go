package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// staleOpenAfter is how long a check-in may stay open before the sweep
// reports it; no scheduled session plus its grace period runs longer.
const staleOpenAfter = 4 * time.Hour

// Worker consumes confirmed transitions and flags suspect records for admin
// review. It never closes or reclassifies attendance itself; dangling
// check-ins are reported, not auto-resolved.
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

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:transitions")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	go sweepDanglingOpens(ctx, repo)

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "checkin" && msg.Type != "checkout" {
			continue
		}

		evt, err := repo.GetEvent(ctx, msg.RecordID)
		if err != nil {
			log.Printf("fetch event %s failed: %v", msg.RecordID, err)
			continue
		}

		if needsReview(evt) {
			if err := repo.UpdateEventStatus(ctx, evt.ID, "review"); err != nil {
				log.Printf("flag event %s failed: %v", evt.ID, err)
				continue
			}
			log.Printf("event %s flagged for review (distance %.0f m)", evt.ID, evt.CheckIn.DistanceMeters)
		}
	}

	log.Println("worker stopped")
}

// needsReview marks events recorded outside the geofence on either leg.
// Enforcement may have been off, or the record may have slipped in via a
// radius change; either way an admin should look at it.
func needsReview(evt attendance.Event) bool {
	if !evt.CheckIn.WithinRange {
		return true
	}
	return evt.CheckOut != nil && !evt.CheckOut.WithinRange
}

// sweepDanglingOpens periodically reports check-ins left open well past any
// plausible deadline.
func sweepDanglingOpens(ctx context.Context, repo *attendance.Repository) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			events, err := repo.OpenPastCutoff(ctx, now.Format("2006-01-02"), now.Add(-staleOpenAfter))
			if err != nil {
				log.Printf("dangling sweep failed: %v", err)
				continue
			}
			for _, evt := range events {
				if err := repo.UpdateEventStatus(ctx, evt.ID, "review"); err != nil {
					log.Printf("flag dangling event %s failed: %v", evt.ID, err)
					continue
				}
				log.Printf("event %s open since %s, flagged for review", evt.ID, evt.CheckIn.At.Format("15:04"))
			}
		case <-ctx.Done():
			return
		}
	}
}
