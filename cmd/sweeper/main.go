package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/ems/backend/internal/config"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/locks"
	"github.com/ems/backend/internal/metrics"
	"github.com/ems/backend/internal/scheduler"
)

const sweepLockKey = "scheduler:sweep"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer kv.Close()

	producer, err := events.NewPubSubProducer(ctx, cfg.Bus.ProjectID)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	defer producer.Close()

	m := metrics.New()
	sweeper := scheduler.NewSweeper(kv, producer, cfg.Bus.Topics.Prioritized, m)

	lockTTL := time.Duration(cfg.Scheduler.LockTimeoutSecs) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.Scheduler.SweepSeconds) * time.Second)
	defer ticker.Stop()

	slog.Info("sweeper running",
		"interval_seconds", cfg.Scheduler.SweepSeconds,
		"window_seconds", cfg.Scheduler.WindowSeconds)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			err := locks.WithLock(ctx, kv, sweepLockKey, lockTTL, sweeper.Sweep)
			if errors.Is(err, locks.ErrNotAcquired) {
				// Another replica is sweeping.
				continue
			}
			if err != nil {
				slog.Error("sweep pass failed", "error", err)
			}
		}
	}
}
