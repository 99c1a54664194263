package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Settlement.Interval)
	assert.Equal(t, 20, cfg.Settlement.MaxAttempts)
	assert.True(t, cfg.PayoutMultiplier().Equal(decimal.RequireFromString("1.8")))
	assert.True(t, cfg.DemoCeiling().Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Demo.CapPayouts)
	assert.True(t, cfg.FallbackPrice().IsZero())
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "9090"
settlement:
  interval: 2s
  payout_multiplier: "1.95"
kafka:
  brokers: ["k1:9092", "k2:9092"]
demo:
  ceiling: "500"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("UPDOWN_SERVER_PORT", "7070")
	t.Setenv("UPDOWN_DATABASE_URL", "postgres://localhost/updown")

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port, "env beats file")
	assert.Equal(t, "postgres://localhost/updown", cfg.Database.URL)
	assert.Equal(t, 2*time.Second, cfg.Settlement.Interval)
	assert.True(t, cfg.PayoutMultiplier().Equal(decimal.RequireFromString("1.95")))
	assert.True(t, cfg.DemoCeiling().Equal(decimal.NewFromInt(500)))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"UPDOWN_SETTLEMENT_PAYOUT_MULTIPLIER": "abc",
		"UPDOWN_DEMO_CEILING":                 "-5",
		"UPDOWN_LOG_LEVEL":                    "loud",
		"UPDOWN_SETTLEMENT_WORKERS":           "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.Load(t.TempDir())
			require.Error(t, err)
		})
	}
}
