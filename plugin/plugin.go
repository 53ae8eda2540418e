// Package plugin lets extensions observe credit ledger events.
// A plugin implements Plugin plus any subset of the hook interfaces below;
// the Registry discovers the hooks once at registration time.
package plugin

import (
	"context"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit receives the engine when it starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryAppended fires for every newly stored ledger entry, including
// entries written as part of a checkout or renewal.
type OnEntryAppended interface {
	Plugin
	OnEntryAppended(ctx context.Context, e *entry.Entry) error
}

type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, orgID string, requested, available int64) error
}

// OnLedgerChanged fires once per organization per state change so balance
// consumers can pull fresh state.
type OnLedgerChanged interface {
	Plugin
	OnLedgerChanged(ctx context.Context, orgID, reason string) error
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

type OnSessionCreated interface {
	Plugin
	OnSessionCreated(ctx context.Context, s *checkout.Session) error
}

// OnSessionReconciled fires after a reconcile call, including the
// already-processed no-op.
type OnSessionReconciled interface {
	Plugin
	OnSessionReconciled(ctx context.Context, s *checkout.Session, r *checkout.Result) error
}

type OnSessionFailed interface {
	Plugin
	OnSessionFailed(ctx context.Context, sessionID string, cause error) error
}

type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, provider, eventType string) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

type OnSubscriptionActivated interface {
	Plugin
	OnSubscriptionActivated(ctx context.Context, s *subscription.Subscription) error
}

type OnSubscriptionRenewed interface {
	Plugin
	OnSubscriptionRenewed(ctx context.Context, s *subscription.Subscription) error
}

type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, s *subscription.Subscription) error
}
