// Package config loads process configuration from the environment. It
// generalizes the ad hoc getEnvString/getEnvInt/getEnvBool helpers the
// teacher used for tenant bootstrap into a single struct, parsed once at
// boot via envconfig struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the engine process's full configuration. All fields have an
// ENGINE_ prefixed environment variable.
type Config struct {
	DatabaseDSN string `envconfig:"DATABASE_DSN" required:"true"`

	// VaultKeyB64 is 32 raw bytes of ChaCha20-Poly1305 key material,
	// base64-encoded. See internal/crypto.
	VaultKeyB64 string `envconfig:"VAULT_KEY" required:"true"`

	GeneralWorkers   int           `envconfig:"GENERAL_WORKERS" default:"5"`
	QueuePollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"5s"`
	LeaseDuration    time.Duration `envconfig:"LEASE_DURATION" default:"5m"`
	ReaperInterval   time.Duration `envconfig:"REAPER_INTERVAL" default:"30s"`
	ReaperGrace      time.Duration `envconfig:"REAPER_GRACE" default:"15s"`
	JobBatchSize     int           `envconfig:"JOB_BATCH_SIZE" default:"20"`

	WhatsAppSessionRoot string `envconfig:"WHATSAPP_SESSION_ROOT" default:"./data/whatsapp_sessions"`
	TelegramAPIID       int    `envconfig:"TELEGRAM_API_ID"`
	TelegramAPIHash     string `envconfig:"TELEGRAM_API_HASH"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	NoMigrate bool `envconfig:"NO_MIGRATE" default:"false"`
}

// Load parses Config from the environment (prefix ENGINE_) and validates the
// fields spec.md §4.A/§4.B actually require at boot.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("engine", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.GeneralWorkers < 1 {
		return fmt.Errorf("config: ENGINE_GENERAL_WORKERS must be >= 1")
	}
	if len(c.VaultKeyB64) == 0 {
		return fmt.Errorf("config: ENGINE_VAULT_KEY is required")
	}
	return nil
}
