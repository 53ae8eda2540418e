package extension

import (
	"time"

	credits "github.com/inspect360/credits"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableRoutes skips building the HTTP handler.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration and background sweeps on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix the handler is mounted under (default: "/credits").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// SweepSchedule is the cron spec for the expiry and renewal sweeps
	// (default: credits.DefaultSweepSchedule).
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule" yaml:"sweep_schedule"`

	// ProviderTimeout bounds each payment provider call (default: 10s).
	ProviderTimeout time.Duration `json:"provider_timeout" mapstructure:"provider_timeout" yaml:"provider_timeout"`

	// PortalReturnURL is where the billing portal sends users back to when
	// the caller does not supply one.
	PortalReturnURL string `json:"portal_return_url" mapstructure:"portal_return_url" yaml:"portal_return_url"`

	// StripeSecretKey enables the Stripe provider when no provider was
	// passed programmatically.
	StripeSecretKey string `json:"stripe_secret_key" mapstructure:"stripe_secret_key" yaml:"stripe_secret_key"`

	// StripeWebhookSecret mounts the Stripe webhook at /webhooks/stripe.
	StripeWebhookSecret string `json:"stripe_webhook_secret" mapstructure:"stripe_webhook_secret" yaml:"stripe_webhook_secret"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:        "/credits",
		SweepSchedule:   credits.DefaultSweepSchedule,
		ProviderTimeout: credits.DefaultProviderTimeout,
	}
}
