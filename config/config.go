package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - services.go: Service mode and pipeline runner configuration
//   - publisher.go: X API publisher configuration
//   - observability.go: Logging and metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (dry-run defaults, seed data).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// DatabaseURL is a full Postgres connection string. When set it wins
	// over the discrete DB_* fields.
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL is a full Redis connection string. When set it wins over
	// the discrete REDIS_* fields.
	RedisURL string `env:"REDIS_URL"`

	// DefaultTimezone applies to schedules that omit their zone.
	DefaultTimezone string `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`

	// Services is a comma-delimited list of enabled services.
	// Valid values: scheduler, worker, sweeper
	Services string `env:"SERVICE_MODE" envDefault:"scheduler,worker,sweeper"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Pipeline runner configuration
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Sweeper   SweeperConfig

	// Publisher configuration
	Publisher PublisherConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Load reads an optional .env file and parses the environment into an
// AppConfig, applying Sanitize guardrails.
func Load() (*AppConfig, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.Worker.Sanitize()
	c.Sweeper.Sanitize()
	c.Publisher.Sanitize()
	c.Observability.Sanitize()

	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// DatabaseDSN returns the effective Postgres connection string.
func (c *AppConfig) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.Postgres.DSN()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.serviceEnabled(ServiceModeScheduler)
}

// IsWorkerEnabled returns true if the publish worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsSweeperEnabled returns true if the recovery sweeper service is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	return c.serviceEnabled(ServiceModeSweeper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
