package extension

import (
	"time"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/plugin"
	"github.com/inspect360/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the credits engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithProvider sets the payment provider. It takes precedence over
// StripeSecretKey.
func WithProvider(p checkout.Provider) Option {
	return func(e *Extension) {
		e.provider = p
	}
}

// WithEngineOption passes a credits.Option through to the underlying engine.
func WithEngineOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes skips building the HTTP handler.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for credits routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSweepSchedule sets the cron spec for background sweeps.
func WithSweepSchedule(spec string) Option {
	return func(e *Extension) { e.config.SweepSchedule = spec }
}

// WithProviderTimeout bounds each payment provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.ProviderTimeout = d }
}

// WithStripe configures the Stripe provider and webhook from credentials.
func WithStripe(secretKey, webhookSecret string) Option {
	return func(e *Extension) {
		e.config.StripeSecretKey = secretKey
		e.config.StripeWebhookSecret = webhookSecret
	}
}
