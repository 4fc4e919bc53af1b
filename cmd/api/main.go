package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/ems/backend/internal/api"
	"github.com/ems/backend/internal/config"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/endorsement"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/ledger"
	"github.com/ems/backend/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	kv, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer kv.Close()

	producer, err := events.NewPubSubProducer(context.Background(), cfg.Bus.ProjectID)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	defer producer.Close()

	m := metrics.New()

	ingress := endorsement.NewService(
		database.NewEmployerStore(db),
		database.NewEndorsementStore(db),
		kv,
		producer,
		cfg.Bus.Topics.Ingested,
		time.Duration(cfg.Scheduler.DedupWindowHours)*time.Hour,
		m,
	)
	topups := ledger.NewTopUpService(
		database.NewLedgerStore(db),
		producer,
		cfg.Bus.Topics.BalanceIncreased,
	)

	server := api.NewServer(ingress, topups, m)
	if err := server.ListenAndServe(":" + cfg.Server.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}
