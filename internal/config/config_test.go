package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	assert.Empty(t, Default().Problems())
	assert.NoError(t, Default().Validate())
}

func TestShippedPolicyLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "policy.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Problems())
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portfolio:\n  max_positions: 8\naccount:\n  base_currency: USD\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Portfolio.MaxPositions)
	assert.Equal(t, "USD", cfg.Account.BaseCurrency)
	assert.Equal(t, 0.075, cfg.Portfolio.MaxPositionWeight)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portfolio: [unclosed"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARTIFACTS_DIR", "/tmp/ops")
	t.Setenv("ALERT_SECONDARY_SINK", "WEBHOOK")
	t.Setenv("ALERT_SECONDARY_DRYRUN", "false")
	t.Setenv("ALERT_WEBHOOK_URL", "http://hooks.local/ops")
	t.Setenv("PG_ENABLED", "true")
	t.Setenv("PG_DSN", "postgres://ops@db/tradeops")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ops", cfg.Artifacts.Dir)
	assert.Equal(t, "webhook", cfg.Alerts.SecondarySink)
	assert.False(t, cfg.Alerts.SecondaryDryRun)
	assert.True(t, cfg.Database.Enabled)
	assert.Empty(t, cfg.Problems())
}

func TestProblemsReportEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.MaxPositionWeight = 0.2
	cfg.Risk.KillSwitch.Enabled = false
	cfg.Reconcile.Required = false
	cfg.Alerts.SecondarySink = "pager"

	problems := cfg.Problems()
	assert.Len(t, problems, 4)
	assert.Contains(t, problems, "portfolio.max_position_weight must be in (0, 0.10]")
	assert.Contains(t, problems, "risk.kill_switch.enabled must be true")

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid policy")
}

func TestLiveWebhookNeedsURL(t *testing.T) {
	cfg := Default()
	cfg.Alerts.SecondarySink = "webhook"
	assert.Empty(t, cfg.Problems())

	cfg.Alerts.SecondaryDryRun = false
	assert.Contains(t, cfg.Problems(), "alerts.webhook_url is required for the webhook sink")
}

func TestFingerprintIgnoresSecretsAndConnections(t *testing.T) {
	base := Default().Fingerprint()
	assert.Len(t, base, 64)

	cfg := Default()
	cfg.Alerts.TelegramBotToken = "secret"
	cfg.Database.DSN = "postgres://elsewhere"
	cfg.Artifacts.Dir = "/var/ops"
	cfg.Cache.Redis.Addr = "redis:6379"
	assert.Equal(t, base, cfg.Fingerprint())

	cfg.Portfolio.MaxPositions = 10
	assert.NotEqual(t, base, cfg.Fingerprint())
}

func TestDec(t *testing.T) {
	assert.Equal(t, "0.075", Dec(0.075).String())
	assert.Equal(t, "5", Dec(5).String())
}
