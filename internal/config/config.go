// Package config carries the environment-driven service configuration and
// the YAML suite definitions consumed by the run command.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"TUNEHUB_ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"TUNEHUB_HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"TUNEHUB_HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"TUNEHUB_HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"TUNEHUB_HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"TUNEHUB_HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		RateLimit       float64       `env:"TUNEHUB_HTTP_RATE_LIMIT" envDefault:"50"`
		RateBurst       int           `env:"TUNEHUB_HTTP_RATE_BURST" envDefault:"100"`
	}
	Logging struct {
		Level  string `env:"TUNEHUB_LOG_LEVEL" envDefault:"info"`
		Format string `env:"TUNEHUB_LOG_FORMAT" envDefault:"json"`
		Output string `env:"TUNEHUB_LOG_OUTPUT" envDefault:"stderr"`
	}
	Storage struct {
		Driver string `env:"TUNEHUB_STORAGE_DRIVER" envDefault:"memory"`
		DSN    string `env:"TUNEHUB_STORAGE_DSN" envDefault:"file:data/tunehub.db?cache=shared"`
	}
	Sampler struct {
		Seed             int64 `env:"TUNEHUB_SAMPLER_SEED" envDefault:"0"`
		TrialsUntilCMAES int   `env:"TUNEHUB_TRIALS_UNTIL_CMAES" envDefault:"250"`
		TrialsUntilNSGA  int   `env:"TUNEHUB_TRIALS_UNTIL_NSGA" envDefault:"1000"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.RateLimit <= 0 {
		return fmt.Errorf("config: rate limit must be positive, got %g", c.HTTP.RateLimit)
	}
	if c.HTTP.RateBurst <= 0 {
		return fmt.Errorf("config: rate burst must be positive, got %d", c.HTTP.RateBurst)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Sampler.TrialsUntilCMAES <= 0 {
		return fmt.Errorf("config: trials-until-cmaes must be positive, got %d", c.Sampler.TrialsUntilCMAES)
	}
	if c.Sampler.TrialsUntilNSGA <= 0 {
		return fmt.Errorf("config: trials-until-nsga must be positive, got %d", c.Sampler.TrialsUntilNSGA)
	}
	return nil
}
