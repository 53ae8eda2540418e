package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/plugin"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/store"
)

// Defaults used when no option overrides them.
const (
	DefaultProviderTimeout = 10 * time.Second
	DefaultSweepSchedule   = "*/15 * * * *"
	DefaultExpiryLookback  = 90 * 24 * time.Hour
	DefaultRenewalBatch    = 100
)

// Engine is the credit ledger and checkout reconciliation engine.
type Engine struct {
	store     store.Store
	plugins   *plugin.Registry
	logger    *slog.Logger
	pricing   *pricing.Catalog
	plans     *plan.Catalog
	provider  checkout.Provider
	publisher notify.Publisher
	now       func() time.Time

	// Background sweeps
	cron *cron.Cron

	// Configuration
	providerTimeout time.Duration
	sweepSchedule   string
	expiryLookback  time.Duration
	renewalBatch    int
	poll            PollConfig
	portalReturnURL string
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		pricing:         pricing.DefaultCatalog(),
		publisher:       notify.Discard,
		now:             time.Now,
		providerTimeout: DefaultProviderTimeout,
		sweepSchedule:   DefaultSweepSchedule,
		expiryLookback:  DefaultExpiryLookback,
		renewalBatch:    DefaultRenewalBatch,
		poll:            DefaultPollConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.plans = plan.NewCatalog(e.pricing)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProvider sets the payment provider used for checkout and
// reconciliation.
func WithProvider(p checkout.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithPricingCatalog replaces the default catalogue.
func WithPricingCatalog(c *pricing.Catalog) Option {
	return func(e *Engine) { e.pricing = c }
}

// WithPublisher sets where ledger-changed events go.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithProviderTimeout bounds every provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.providerTimeout = d
		}
	}
}

// WithSweepSchedule sets the cron spec for the expiry and renewal sweeps.
// An empty spec disables them.
func WithSweepSchedule(spec string) Option {
	return func(e *Engine) { e.sweepSchedule = spec }
}

// WithExpiryLookback sets how far back the expiry sweep looks for lapsed
// grants.
func WithExpiryLookback(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.expiryLookback = d
		}
	}
}

// WithRenewalBatch caps the subscriptions renewed per sweep.
func WithRenewalBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.renewalBatch = n
		}
	}
}

// WithPollConfig sets the defaults for AwaitSession.
func WithPollConfig(cfg PollConfig) Option {
	return func(e *Engine) { e.poll = cfg.withDefaults() }
}

// WithPortalReturnURL sets where the billing portal sends users back to.
func WithPortalReturnURL(url string) Option {
	return func(e *Engine) { e.portalReturnURL = url }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Start migrates the store, initializes plugins and schedules the sweeps.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.sweepSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(e.sweepSchedule, e.runSweeps); err != nil {
			return fmt.Errorf("credits: schedule sweeps: %w", err)
		}
		e.cron.Start()
	}

	e.logger.Info("credits engine started",
		"provider", e.providerName(),
		"sweep_schedule", e.sweepSchedule,
		"provider_timeout", e.providerTimeout,
	)

	return nil
}

// Stop waits for a running sweep, shuts down plugins and closes the store.
func (e *Engine) Stop() error {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Plans returns the plan catalogue.
func (e *Engine) Plans() *plan.Catalog { return e.plans }

// Provider returns the configured payment provider, or nil.
func (e *Engine) Provider() checkout.Provider { return e.provider }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) providerName() string {
	if e.provider == nil {
		return ""
	}
	return e.provider.Name()
}

// announce publishes a ledger-changed event and the matching plugin hook.
// Delivery failures are logged; the ledger write already happened.
func (e *Engine) announce(ctx context.Context, orgID, reason string) {
	if err := e.publisher.Publish(ctx, notify.NewEvent(orgID, reason)); err != nil {
		e.logger.Warn("ledger change notification failed",
			"organization_id", orgID,
			"reason", reason,
			"error", err,
		)
	}
	e.plugins.EmitLedgerChanged(ctx, orgID, reason)
}
