package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ems/backend/internal/audit"
	"github.com/ems/backend/internal/config"
	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/events"
	"github.com/ems/backend/internal/gateway"
	"github.com/ems/backend/internal/infra"
	"github.com/ems/backend/internal/ledger"
	"github.com/ems/backend/internal/metrics"
	"github.com/ems/backend/internal/notifications"
	"github.com/ems/backend/internal/orchestrator"
	"github.com/ems/backend/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	producer, err := events.NewPubSubProducer(ctx, cfg.Bus.ProjectID)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	defer producer.Close()

	m := metrics.New()

	var auditStore audit.Store
	if cfg.Audit.SupabaseURL != "" {
		auditStore, err = audit.NewSupabaseStore(cfg.Audit.SupabaseURL, cfg.Audit.SupabaseKey, cfg.Audit.Table)
		if err != nil {
			log.Fatalf("audit store: %v", err)
		}
	} else {
		slog.Warn("no Supabase configured, audit documents held in memory")
		auditStore = audit.NewMemoryStore()
	}

	var emitter notifications.Emitter
	if cfg.Notify.CloudTasksProject != "" {
		emitter, err = notifications.NewCloudDispatcher(
			cfg.Notify.CloudTasksProject, cfg.Notify.CloudTasksLocation,
			cfg.Notify.CloudTasksQueue, cfg.Notify.FallbackWorkers)
		if err != nil {
			log.Fatalf("cloud tasks: %v", err)
		}
	} else {
		emitter = notifications.NewDispatcher(cfg.Notify.FallbackWorkers)
	}
	defer emitter.Shutdown()

	employers := database.NewEmployerStore(db)
	endorsements := database.NewEndorsementStore(db)
	ledgerStore := database.NewLedgerStore(db)

	pricing, err := ledger.NewStaticPricing(cfg.Ledger.Pricing)
	if err != nil {
		log.Fatalf("pricing table: %v", err)
	}
	engine := ledger.NewEngine(ledgerStore, producer, pricing, ledger.Topics{
		FundsLocked:      cfg.Bus.Topics.LedgerLocked,
		BalanceIncreased: cfg.Bus.Topics.BalanceIncreased,
	}, m)
	holdRelease := ledger.NewHoldRelease(endorsements, producer, cfg.Bus.Topics.LedgerCheckFunds)

	orch := orchestrator.New(endorsements, ledgerStore, producer, orchestrator.Topics{
		CheckFunds:     cfg.Bus.Topics.LedgerCheckFunds,
		InsurerRequest: cfg.Bus.Topics.InsurerRequest,
		InsurerRetry:   cfg.Bus.Topics.InsurerRetry,
		InsurerDLQ:     cfg.Bus.Topics.InsurerDLQ,
		Completed:      cfg.Bus.Topics.Completed,
	}, orchestrator.Config{
		MaxRetries:      cfg.Insurer.MaxRetries,
		BackoffBase:     cfg.Insurer.BackoffBase,
		RefundOnFailure: cfg.Ledger.RefundOnFailure,
	}, m)

	strategies := gateway.NewStrategyRegistry()
	strategies.Register(gateway.NewHTTPStrategy(time.Duration(cfg.Insurer.TimeoutSeconds) * time.Second))
	dispatch := gateway.NewService(strategies, auditStore, producer, cfg.Bus.Topics.InsurerOutcome, cfg.Insurer, m)

	buffer := scheduler.NewBuffer(kv, time.Duration(cfg.Scheduler.WindowSeconds)*time.Second)

	// One consumer per topic; each topic gets its own registry so handler
	// chains stay independent.
	bindings := []struct {
		topic    string
		sub      string
		handlers []events.Handler
	}{
		{cfg.Bus.Topics.Ingested, "ems-scheduler-ingest", []events.Handler{scheduler.NewIngestHandler(buffer)}},
		{cfg.Bus.Topics.Prioritized, "ems-orchestrator-prioritized", []events.Handler{orch.Prioritized()}},
		{cfg.Bus.Topics.LedgerCheckFunds, "ems-ledger-check-funds", []events.Handler{engine}},
		{cfg.Bus.Topics.LedgerLocked, "ems-orchestrator-funds-locked", []events.Handler{orch.FundsLocked()}},
		{cfg.Bus.Topics.BalanceIncreased, "ems-ledger-hold-release", []events.Handler{holdRelease}},
		{cfg.Bus.Topics.InsurerRequest, "ems-gateway-dispatch", []events.Handler{dispatch}},
		{cfg.Bus.Topics.InsurerRetry, "ems-gateway-retry", []events.Handler{dispatch}},
		{cfg.Bus.Topics.InsurerOutcome, "ems-orchestrator-outcome", []events.Handler{orch.Outcome()}},
		{cfg.Bus.Topics.Completed, "ems-notifications-completed", []events.Handler{notifications.NewCompletedHandler(employers, emitter)}},
	}

	var wg sync.WaitGroup
	for _, binding := range bindings {
		sub, err := producer.EnsureSubscription(ctx, binding.topic, binding.sub)
		if err != nil {
			log.Fatalf("subscription %s: %v", binding.sub, err)
		}

		registry := events.NewRegistry()
		for _, h := range binding.handlers {
			registry.Register(h)
		}
		consumer := events.NewConsumer(events.ConsumerConfig{
			Topic:        binding.topic,
			Subscription: binding.sub,
			Mode:         events.ModeSingle,
		}, &events.SubscriptionSource{Sub: sub}, registry)
		consumer.Observe(func(topic, handler string) {
			m.MessagesConsumed.WithLabelValues(topic, handler).Inc()
		})

		wg.Add(1)
		go func(topic string, c *events.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", "topic", topic, "error", err)
				stop()
			}
		}(binding.topic, consumer)
	}

	slog.Info("worker running", "consumers", len(bindings))
	wg.Wait()
}
