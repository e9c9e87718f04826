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
	path := filepath.Join(t.TempDir(), "quoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
env: staging
quote:
  spread_bps: 20
  min_bps: 15
  max_bps: 25
  throttle_bps: 30
  target_notional: 1000
backoff:
  base_seconds: 3
  zero_at_first_event: true
unwind:
  step_qty: 0.2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 20.0, cfg.Quote.SpreadBps)
	assert.Equal(t, 1000.0, cfg.Quote.TargetNotional)
	assert.True(t, cfg.Backoff.ZeroAtFirstEvent)
	assert.Equal(t, 0.2, cfg.Unwind.StepQty)
	// 未覆盖的字段保持默认
	assert.Equal(t, "BTC-USD", cfg.Instrument.Symbol)
	assert.Equal(t, "depth", cfg.Feed.Channel)
	assert.Equal(t, "https://perps.standx.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 900, cfg.Quote.PositionCooldownSeconds)
}

func TestLoadRejectsInvalidBand(t *testing.T) {
	path := writeConfig(t, `
quote:
  min_bps: 10
  max_bps: 5
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("inverted bps band must be rejected")
	}
}

func TestLoadRejectsPriceChannelWithDepthGate(t *testing.T) {
	path := writeConfig(t, `
feed:
  channel: price
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("price channel with a depth gate must be rejected")
	}

	path = writeConfig(t, `
feed:
  channel: price
quote:
  min_depth: 0
`)
	_, err = Load(path)
	require.NoError(t, err)
}

func TestEnvOverridesAuthFile(t *testing.T) {
	path := writeConfig(t, `env: prod`)
	t.Setenv("STANDX_AUTH_FILE", "/run/secrets/auth.json")
	t.Setenv("STANDX_ALERT_WEBHOOK", "https://hooks.example/x")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/secrets/auth.json", cfg.Gateway.AuthFile)
	assert.Equal(t, "https://hooks.example/x", cfg.Alert.WebhookURL)
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
