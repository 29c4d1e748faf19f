/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (Default)
  2. Optional config file (yaml, toml or json, by extension)
  3. Environment, prefixed LEARNING_ with dots as underscores,
     e.g. LEARNING_GATEWAY_SECRET_KEY
  4. Command-line flags bound by cmd/server

Values are handed to constructors explicitly; nothing reads the
configuration globally after startup.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "LEARNING"

// WriteTimeout is the HTTP server's response write deadline.
const WriteTimeout = 15 * time.Second

// Config is the full server configuration.
type Config struct {
	Port        int      `mapstructure:"port"`
	DBPath      string   `mapstructure:"db_path"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`

	Enrollment EnrollmentConfig `mapstructure:"enrollment"`
	Recurrence RecurrenceConfig `mapstructure:"recurrence"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

type EnrollmentConfig struct {
	// CommissionRate is a decimal string in [0, 1], e.g. "0.15".
	CommissionRate string        `mapstructure:"commission_rate"`
	IntentTTL      time.Duration `mapstructure:"intent_ttl"`

	// Currency is the ISO 4217 code every paid target is priced in.
	Currency string `mapstructure:"currency"`
}

type RecurrenceConfig struct {
	Horizon     time.Duration `mapstructure:"horizon"`
	Parallelism int           `mapstructure:"parallelism"`
}

type SyncConfig struct {
	RetryAfter time.Duration `mapstructure:"retry_after"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	SecretKey   string        `mapstructure:"secret_key"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// MaxElapsed bounds the retries of one gateway call. Keep it below the
	// HTTP write timeout so Checkout answers before the client gives up.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// ScheduleConfig holds cron specs for the background jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	ExpireIntents string `mapstructure:"expire_intents"`
	Materialize   string `mapstructure:"materialize"`
	RetrySync     string `mapstructure:"retry_sync"`
	Reconcile     string `mapstructure:"reconcile"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:        8080,
		DBPath:      "learning.db",
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		LogLevel:    "info",
		LogFormat:   "text",
		Enrollment: EnrollmentConfig{
			CommissionRate: "0",
			IntentTTL:      24 * time.Hour,
			Currency:       "KES",
		},
		Recurrence: RecurrenceConfig{
			Horizon:     30 * 24 * time.Hour,
			Parallelism: 4,
		},
		Sync: SyncConfig{
			RetryAfter: 5 * time.Minute,
			RetryDelay: time.Minute,
			MaxElapsed: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			BaseURL:    "https://api.paystack.co",
			Timeout:    5 * time.Second,
			MaxElapsed: 10 * time.Second,
		},
		Schedule: ScheduleConfig{
			ExpireIntents: "@every 10m",
			Materialize:   "0 2 * * *",
			RetrySync:     "@every 5m",
			Reconcile:     "@hourly",
		},
	}
}

// NewViper returns a viper instance seeded with the defaults and wired to
// the environment. Callers may bind flags on it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("port", d.Port)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("cors_origins", d.CORSOrigins)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	v.SetDefault("enrollment.commission_rate", d.Enrollment.CommissionRate)
	v.SetDefault("enrollment.intent_ttl", d.Enrollment.IntentTTL)
	v.SetDefault("enrollment.currency", d.Enrollment.Currency)

	v.SetDefault("recurrence.horizon", d.Recurrence.Horizon)
	v.SetDefault("recurrence.parallelism", d.Recurrence.Parallelism)

	v.SetDefault("sync.retry_after", d.Sync.RetryAfter)
	v.SetDefault("sync.retry_delay", d.Sync.RetryDelay)
	v.SetDefault("sync.max_elapsed", d.Sync.MaxElapsed)

	v.SetDefault("gateway.base_url", d.Gateway.BaseURL)
	v.SetDefault("gateway.secret_key", d.Gateway.SecretKey)
	v.SetDefault("gateway.callback_url", d.Gateway.CallbackURL)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.max_elapsed", d.Gateway.MaxElapsed)

	v.SetDefault("schedule.expire_intents", d.Schedule.ExpireIntents)
	v.SetDefault("schedule.materialize", d.Schedule.Materialize)
	v.SetDefault("schedule.retry_sync", d.Schedule.RetrySync)
	v.SetDefault("schedule.reconcile", d.Schedule.Reconcile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return bad("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return bad("db_path is required")
	}
	rate, err := decimal.NewFromString(c.Enrollment.CommissionRate)
	if err != nil {
		return bad("commission_rate %q is not a decimal", c.Enrollment.CommissionRate)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return bad("commission_rate %s must be within [0, 1]", rate)
	}
	if c.Enrollment.IntentTTL <= 0 {
		return bad("enrollment.intent_ttl must be positive")
	}
	if len(c.Enrollment.Currency) != 3 {
		return bad("enrollment.currency %q is not a 3-letter code", c.Enrollment.Currency)
	}
	if c.Recurrence.Horizon <= 0 {
		return bad("recurrence.horizon must be positive")
	}
	if c.Recurrence.Parallelism <= 0 {
		return bad("recurrence.parallelism must be positive")
	}
	if c.Gateway.MaxElapsed <= 0 || c.Gateway.MaxElapsed >= WriteTimeout {
		return bad("gateway.max_elapsed %s must be positive and below the %s write timeout", c.Gateway.MaxElapsed, WriteTimeout)
	}
	if c.Gateway.Timeout <= 0 || c.Gateway.Timeout > c.Gateway.MaxElapsed {
		return bad("gateway.timeout %s must be positive and at most gateway.max_elapsed", c.Gateway.Timeout)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return bad("log_format %q (want text or json)", c.LogFormat)
	}
	return nil
}

// CommissionRate returns the parsed commission. Validate has already
// rejected malformed values.
func (c Config) CommissionRate() decimal.Decimal {
	rate, _ := decimal.NewFromString(c.Enrollment.CommissionRate)
	return rate
}
