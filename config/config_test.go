package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvuka/learning-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.True(t, cfg.CommissionRate().IsZero())
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN: environment overrides, including nested keys
	// WHEN: configuration loads
	// THEN: the environment wins over defaults
	t.Setenv("LEARNING_PORT", "9090")
	t.Setenv("LEARNING_ENROLLMENT_COMMISSION_RATE", "0.15")
	t.Setenv("LEARNING_ENROLLMENT_INTENT_TTL", "2h")
	t.Setenv("LEARNING_GATEWAY_SECRET_KEY", "sk_test_123")
	t.Setenv("LEARNING_GATEWAY_MAX_ELAPSED", "8s")
	t.Setenv("LEARNING_ENROLLMENT_CURRENCY", "USD")

	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "0.15", cfg.CommissionRate().String())
	assert.Equal(t, 2*time.Hour, cfg.Enrollment.IntentTTL)
	assert.Equal(t, "sk_test_123", cfg.Gateway.SecretKey)
	assert.Equal(t, 8*time.Second, cfg.Gateway.MaxElapsed)
	assert.Equal(t, "USD", cfg.Enrollment.Currency)
}

func TestDefault_GatewayRetriesFitWriteTimeout(t *testing.T) {
	d := config.Default()
	assert.Less(t, d.Gateway.MaxElapsed, config.WriteTimeout)
	assert.Equal(t, "KES", d.Enrollment.Currency)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "learning.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 7070
db_path: /var/lib/learning.db
recurrence:
  horizon: 336h
schedule:
  materialize: ""
`), 0o600))

	cfg, err := config.Load(config.NewViper(), file)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/var/lib/learning.db", cfg.DBPath)
	assert.Equal(t, 14*24*time.Hour, cfg.Recurrence.Horizon)
	assert.Empty(t, cfg.Schedule.Materialize)
	assert.Equal(t, "@every 5m", cfg.Schedule.RetrySync)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(config.NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"port", func(c *config.Config) { c.Port = 0 }},
		{"db path", func(c *config.Config) { c.DBPath = "" }},
		{"commission not decimal", func(c *config.Config) { c.Enrollment.CommissionRate = "ten" }},
		{"commission above one", func(c *config.Config) { c.Enrollment.CommissionRate = "1.5" }},
		{"negative commission", func(c *config.Config) { c.Enrollment.CommissionRate = "-0.1" }},
		{"intent ttl", func(c *config.Config) { c.Enrollment.IntentTTL = 0 }},
		{"horizon", func(c *config.Config) { c.Recurrence.Horizon = 0 }},
		{"parallelism", func(c *config.Config) { c.Recurrence.Parallelism = 0 }},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }},
		{"currency", func(c *config.Config) { c.Enrollment.Currency = "" }},
		{"gateway retries outlast the write timeout", func(c *config.Config) { c.Gateway.MaxElapsed = 30 * time.Second }},
		{"gateway retries disabled", func(c *config.Config) { c.Gateway.MaxElapsed = 0 }},
		{"gateway timeout above retry budget", func(c *config.Config) { c.Gateway.Timeout = 12 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}
	assert.NoError(t, config.Default().Validate())
}
