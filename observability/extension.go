// Package observability provides a metrics plugin for the credits engine
// that records ledger, checkout and subscription event counts through a
// MetricFactory.
package observability

import (
	"context"
	"errors"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/plugin"
	"github.com/inspect360/credits/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                  = (*MetricsExtension)(nil)
	_ plugin.OnEntryAppended         = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits   = (*MetricsExtension)(nil)
	_ plugin.OnSessionCreated        = (*MetricsExtension)(nil)
	_ plugin.OnSessionReconciled     = (*MetricsExtension)(nil)
	_ plugin.OnSessionFailed         = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived       = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionActivated = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionRenewed   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide event metrics.
// Register it as a plugin to track credit flows.
type MetricsExtension struct {
	// Ledger metrics
	CreditsGranted      Counter
	CreditsConsumed     Counter
	CreditsExpired      Counter
	CreditsAdjusted     Counter
	GrantSize           Histogram
	InsufficientCredits Counter

	// Checkout metrics
	SessionsCreated          Counter
	SessionsCompleted        Counter
	SessionsAlreadyProcessed Counter
	SessionsPending          Counter
	SessionsFailed           Counter
	ProviderUnavailable      Counter
	WebhookReceived          Counter

	// Subscription metrics
	SubscriptionActivated Counter
	SubscriptionRenewed   Counter
	SubscriptionCanceled  Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory elsewhere.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		CreditsGranted:      factory.Counter("credits.ledger.granted"),
		CreditsConsumed:     factory.Counter("credits.ledger.consumed"),
		CreditsExpired:      factory.Counter("credits.ledger.expired"),
		CreditsAdjusted:     factory.Counter("credits.ledger.adjusted"),
		GrantSize:           factory.Histogram("credits.ledger.grant.size"),
		InsufficientCredits: factory.Counter("credits.ledger.insufficient"),

		SessionsCreated:          factory.Counter("credits.checkout.created"),
		SessionsCompleted:        factory.Counter("credits.checkout.completed"),
		SessionsAlreadyProcessed: factory.Counter("credits.checkout.already_processed"),
		SessionsPending:          factory.Counter("credits.checkout.pending"),
		SessionsFailed:           factory.Counter("credits.checkout.failed"),
		ProviderUnavailable:      factory.Counter("credits.provider.unavailable"),
		WebhookReceived:          factory.Counter("credits.webhook.received"),

		SubscriptionActivated: factory.Counter("credits.subscription.activated"),
		SubscriptionRenewed:   factory.Counter("credits.subscription.renewed"),
		SubscriptionCanceled:  factory.Counter("credits.subscription.canceled"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryAppended counts credits moved, by entry kind. Consumption and
// expiry are recorded as positive quantities.
func (m *MetricsExtension) OnEntryAppended(_ context.Context, e *entry.Entry) error {
	qty := float64(e.Quantity)
	switch e.Kind {
	case entry.KindGrant:
		m.CreditsGranted.Add(qty)
		m.GrantSize.Observe(qty)
	case entry.KindConsume:
		m.CreditsConsumed.Add(-qty)
	case entry.KindExpire:
		m.CreditsExpired.Add(-qty)
	case entry.KindAdjustment:
		m.CreditsAdjusted.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _ string, _, _ int64) error {
	m.InsufficientCredits.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSessionCreated(_ context.Context, _ *checkout.Session) error {
	m.SessionsCreated.Inc()
	return nil
}

func (m *MetricsExtension) OnSessionReconciled(_ context.Context, _ *checkout.Session, r *checkout.Result) error {
	switch {
	case r.AlreadyProcessed:
		m.SessionsAlreadyProcessed.Inc()
	case r.Processed:
		m.SessionsCompleted.Inc()
	default:
		m.SessionsPending.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnSessionFailed(_ context.Context, _ string, cause error) error {
	m.SessionsFailed.Inc()
	if errors.Is(cause, credits.ErrProviderUnavailable) {
		m.ProviderUnavailable.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _, _ string) error {
	m.WebhookReceived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionActivated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionActivated.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionRenewed(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionRenewed.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}
