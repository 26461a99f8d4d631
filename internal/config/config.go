// Package config reads the process configuration from the environment.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the gateway process configuration.
type Config struct {
	Host string `env:"HOST" envDefault:"127.0.0.1"`
	Port int    `env:"PORT" envDefault:"8086"`

	Mode     string `env:"NEXUS_MODE" envDefault:"release"`
	LogLevel string `env:"NEXUS_LOG_LEVEL" envDefault:"info"`

	Store  string `env:"NEXUS_STORE" envDefault:"sqlite"`
	DBPath string `env:"NEXUS_DB_PATH" envDefault:"nexus.db"`

	// PublicURL is the externally visible base, used to derive callback URLs.
	PublicURL      string `env:"NEXUS_PUBLIC_URL"`
	CookieDomain   string `env:"NEXUS_COOKIE_DOMAIN"`
	CookieInsecure bool   `env:"NEXUS_COOKIE_INSECURE"`
	LocalLoginURI  string `env:"NEXUS_LOCAL_LOGIN_URI" envDefault:"/login/local/"`
	ProvidersFile  string `env:"NEXUS_PROVIDERS_FILE"`
	// DeletionStatusURL is returned to Facebook from the data deletion webhook.
	DeletionStatusURL string `env:"NEXUS_DELETION_STATUS_URL"`

	CorrelatorTTL   time.Duration `env:"NEXUS_CORRELATOR_TTL" envDefault:"4h"`
	ResumeTTL       time.Duration `env:"NEXUS_RESUME_TTL" envDefault:"168h"`
	PendingLoginTTL time.Duration `env:"NEXUS_PENDING_LOGIN_TTL" envDefault:"10m"`

	RedisAddr     string `env:"NEXUS_REDIS_ADDR"`
	RedisPassword string `env:"NEXUS_REDIS_PASSWORD"`
	RedisDB       int    `env:"NEXUS_REDIS_DB" envDefault:"0"`

	AMQPURL      string `env:"NEXUS_AMQP_URL"`
	AMQPExchange string `env:"NEXUS_AMQP_EXCHANGE" envDefault:"nexus.identity"`

	ShutdownTimeout time.Duration `env:"NEXUS_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config: NEXUS_STORE must be %q or %q, got %q", StoreSQLite, StoreMemory, c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	for name, d := range map[string]time.Duration{
		"NEXUS_CORRELATOR_TTL":    c.CorrelatorTTL,
		"NEXUS_RESUME_TTL":        c.ResumeTTL,
		"NEXUS_PENDING_LOGIN_TTL": c.PendingLoginTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}
