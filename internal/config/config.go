// Package config loads the EMS configuration from a YAML file with
// environment overrides for deployment-specific values (DSNs, project ids).
// A .env file is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	Audit     AuditConfig     `yaml:"audit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Insurer   InsurerConfig   `yaml:"insurer"`
	Notify    NotifyConfig    `yaml:"notifications"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig names the Pub/Sub project and every topic the pipeline uses.
type BusConfig struct {
	ProjectID string       `yaml:"project_id"`
	Topics    TopicsConfig `yaml:"topics"`
}

type TopicsConfig struct {
	Ingested         string `yaml:"ingested"`
	Prioritized      string `yaml:"prioritized"`
	LedgerCheckFunds string `yaml:"ledger_check_funds"`
	LedgerLocked     string `yaml:"ledger_funds_locked"`
	BalanceIncreased string `yaml:"ledger_balance_increased"`
	InsurerRequest   string `yaml:"insurer_request"`
	InsurerRetry     string `yaml:"insurer_request_retry"`
	InsurerDLQ       string `yaml:"insurer_request_dlq"`
	InsurerOutcome   string `yaml:"insurer_success"`
	Completed        string `yaml:"endorsement_completed"`
}

type AuditConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
	Table       string `yaml:"table"`
}

type SchedulerConfig struct {
	WindowSeconds     int `yaml:"window_seconds"`
	SweepSeconds      int `yaml:"sweep_seconds"`
	LockTimeoutSecs   int `yaml:"lock_timeout_seconds"`
	DedupWindowHours  int `yaml:"dedup_window_hours"`
	BatchMaxMessages  int `yaml:"batch_max_messages"`
	BatchFlushSeconds int `yaml:"batch_flush_seconds"`
}

type LedgerConfig struct {
	// Pricing is the stub price map keyed by request type.
	Pricing map[string]string `yaml:"pricing"`
	// RefundOnFailure controls the terminal disposition of a LOCKED row when
	// its endorsement fails: true restores the balance (LOCKED -> FAILED),
	// false keeps the debit (LOCKED -> CLEARED).
	RefundOnFailure bool `yaml:"refund_on_failure"`
}

type InsurerConfig struct {
	MaxRetries     int                     `yaml:"max_retries"`
	BackoffBase    int                     `yaml:"backoff_base"`
	TimeoutSeconds int                     `yaml:"timeout_seconds"`
	Gateways       map[string]GatewayEntry `yaml:"gateways"`
}

// GatewayEntry is one insurer's outbound configuration. URL may contain an
// {insurer_id} placeholder.
type GatewayEntry struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	Protocol       string            `yaml:"protocol"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type NotifyConfig struct {
	CloudTasksProject  string `yaml:"cloud_tasks_project"`
	CloudTasksLocation string `yaml:"cloud_tasks_location"`
	CloudTasksQueue    string `yaml:"cloud_tasks_queue"`
	FallbackWorkers    int    `yaml:"fallback_workers"`
}

// Load reads the YAML config at path and applies env overrides.
func Load(path string) (*Config, error) {
	// Best effort; deployments without a .env rely on real env vars.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EMS_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("EMS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("EMS_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("EMS_PUBSUB_PROJECT"); v != "" {
		c.Bus.ProjectID = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Audit.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		c.Audit.SupabaseKey = v
	}
	if v := os.Getenv("EMS_SERVER_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("EMS_INSURER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Insurer.MaxRetries = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Scheduler.WindowSeconds <= 0 {
		c.Scheduler.WindowSeconds = 300
	}
	if c.Scheduler.SweepSeconds <= 0 {
		c.Scheduler.SweepSeconds = 10
	}
	if c.Scheduler.LockTimeoutSecs <= 0 {
		c.Scheduler.LockTimeoutSecs = 30
	}
	if c.Scheduler.DedupWindowHours <= 0 {
		c.Scheduler.DedupWindowHours = 24
	}
	if c.Scheduler.BatchMaxMessages <= 0 {
		c.Scheduler.BatchMaxMessages = 100
	}
	if c.Scheduler.BatchFlushSeconds <= 0 {
		c.Scheduler.BatchFlushSeconds = 5
	}
	if c.Insurer.MaxRetries <= 0 {
		c.Insurer.MaxRetries = 3
	}
	if c.Insurer.BackoffBase < 2 {
		c.Insurer.BackoffBase = 2
	}
	if c.Insurer.TimeoutSeconds <= 0 {
		c.Insurer.TimeoutSeconds = 30
	}
	if c.Audit.Table == "" {
		c.Audit.Table = "audit_logs"
	}
	if c.Notify.FallbackWorkers <= 0 {
		c.Notify.FallbackWorkers = 4
	}

	t := &c.Bus.Topics
	setDefault(&t.Ingested, "endorsement.ingested")
	setDefault(&t.Prioritized, "endorsement.prioritized")
	setDefault(&t.LedgerCheckFunds, "ledger.check_funds")
	setDefault(&t.LedgerLocked, "ledger.funds_locked")
	setDefault(&t.BalanceIncreased, "ledger.balance_increased")
	setDefault(&t.InsurerRequest, "insurer.request")
	setDefault(&t.InsurerRetry, "insurer.request.retry")
	setDefault(&t.InsurerDLQ, "insurer.request.dlq")
	setDefault(&t.InsurerOutcome, "insurer.success")
	setDefault(&t.Completed, "endorsement.completed")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
