package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  env: test
postgres:
  dsn: postgres://localhost/ems_test
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 300, cfg.Scheduler.WindowSeconds)
	assert.Equal(t, 10, cfg.Scheduler.SweepSeconds)
	assert.Equal(t, 24, cfg.Scheduler.DedupWindowHours)
	assert.Equal(t, 3, cfg.Insurer.MaxRetries)
	assert.Equal(t, 2, cfg.Insurer.BackoffBase)
	assert.Equal(t, 30, cfg.Insurer.TimeoutSeconds)
	assert.Equal(t, "audit_logs", cfg.Audit.Table)
	assert.Equal(t, 4, cfg.Notify.FallbackWorkers)

	topics := cfg.Bus.Topics
	assert.Equal(t, "endorsement.ingested", topics.Ingested)
	assert.Equal(t, "endorsement.prioritized", topics.Prioritized)
	assert.Equal(t, "ledger.check_funds", topics.LedgerCheckFunds)
	assert.Equal(t, "ledger.funds_locked", topics.LedgerLocked)
	assert.Equal(t, "ledger.balance_increased", topics.BalanceIncreased)
	assert.Equal(t, "insurer.request", topics.InsurerRequest)
	assert.Equal(t, "insurer.request.retry", topics.InsurerRetry)
	assert.Equal(t, "insurer.request.dlq", topics.InsurerDLQ)
	assert.Equal(t, "insurer.success", topics.InsurerOutcome)
	assert.Equal(t, "endorsement.completed", topics.Completed)
}

func TestLoadReadsYAMLValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
scheduler:
  window_seconds: 60
ledger:
  refund_on_failure: true
  pricing:
    ADDITION: "150.00"
insurer:
  max_retries: 5
  backoff_base: 3
  gateways:
    acme:
      url: https://acme.example.com/endorsements
      method: POST
      protocol: REST_API
      headers:
        Authorization: Bearer token
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 60, cfg.Scheduler.WindowSeconds)
	assert.True(t, cfg.Ledger.RefundOnFailure)
	assert.Equal(t, "150.00", cfg.Ledger.Pricing["ADDITION"])
	assert.Equal(t, 5, cfg.Insurer.MaxRetries)
	assert.Equal(t, 3, cfg.Insurer.BackoffBase)

	gw, ok := cfg.Insurer.Gateways["acme"]
	require.True(t, ok)
	assert.Equal(t, "https://acme.example.com/endorsements", gw.URL)
	assert.Equal(t, "Bearer token", gw.Headers["Authorization"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EMS_POSTGRES_DSN", "postgres://override/ems")
	t.Setenv("EMS_SERVER_PORT", "7070")
	t.Setenv("EMS_INSURER_MAX_RETRIES", "7")

	path := writeConfig(t, `
server:
  port: "9090"
postgres:
  dsn: postgres://file/ems
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://override/ems", cfg.Postgres.DSN)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 7, cfg.Insurer.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
