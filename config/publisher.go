package config

import "time"

// PublisherConfig contains X API publisher configuration.
type PublisherConfig struct {
	// BearerToken authenticates against the X API. Required unless DryRun.
	BearerToken string `env:"X_BEARER_TOKEN"`

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string `env:"X_API_BASE_URL"`

	// DryRun skips network calls and fabricates receipts.
	DryRun bool `env:"DRY_RUN" envDefault:"false"`

	// Timeout bounds one API request.
	Timeout time.Duration `env:"X_API_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to publisher configuration values.
func (p *PublisherConfig) Sanitize() {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	// Without credentials the only safe mode is dry run.
	if p.BearerToken == "" {
		p.DryRun = true
	}
}
