package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearOrderEngineEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DEBUG", "DB_URL", "REDIS_URL",
		"WORKER_TICK_BIDDING", "WORKER_TICK_CONFIRMATION", "WORKER_TICK_IDEMPOTENCY_GC",
		"WORKER_TICK_PENDING", "WORKER_TICK_RECONCILE",
		"CONFIRMATION_TIMEOUT_MIN", "IDEMPOTENCY_TTL_SEC",
		"TRANSACTION_MAX_RETRIES", "TRANSACTION_TIMEOUT_MS",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_RequiresDBURL(t *testing.T) {
	clearOrderEngineEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearOrderEngineEnv(t)
	os.Setenv("DB_URL", "sqlite.db")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite.db", cfg.DBURL)
	require.Equal(t, 120*time.Second, cfg.WorkerTickBidding)
	require.Equal(t, 120*time.Second, cfg.WorkerTickConfirm)
	require.Equal(t, 3600*time.Second, cfg.WorkerTickIdempGC)
	require.Equal(t, 21600*time.Second, cfg.WorkerTickPending)
	require.Equal(t, 24*time.Hour, cfg.WorkerTickReconcile)
	require.Equal(t, 15*time.Minute, cfg.ConfirmationTimeout)
	require.Equal(t, 86400*time.Second, cfg.IdempotencyTTL)
	require.Equal(t, 3, cfg.TransactionMaxRetries)
	require.Equal(t, 10000*time.Millisecond, cfg.TransactionTimeout)
	require.False(t, cfg.Debug)
}

func TestLoad_HonorsOverrides(t *testing.T) {
	clearOrderEngineEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/orderengine")
	os.Setenv("DEBUG", "true")
	os.Setenv("WORKER_TICK_BIDDING", "30")
	os.Setenv("TRANSACTION_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, 30*time.Second, cfg.WorkerTickBidding)
	require.Equal(t, 5, cfg.TransactionMaxRetries)
}
