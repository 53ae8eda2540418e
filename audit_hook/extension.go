// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/plugin"
	"github.com/inspect360/credits/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Extension)(nil)
	_ plugin.OnEntryAppended         = (*Extension)(nil)
	_ plugin.OnInsufficientCredits   = (*Extension)(nil)
	_ plugin.OnSessionCreated        = (*Extension)(nil)
	_ plugin.OnSessionReconciled     = (*Extension)(nil)
	_ plugin.OnSessionFailed         = (*Extension)(nil)
	_ plugin.OnWebhookReceived       = (*Extension)(nil)
	_ plugin.OnSubscriptionActivated = (*Extension)(nil)
	_ plugin.OnSubscriptionRenewed   = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audited action.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges engine events to an audit trail backend.
type Extension struct {
	recorder Recorder
	logger   *slog.Logger

	// nil means no filter
	enabled    map[string]bool
	categories map[string]bool
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryAppended implements plugin.OnEntryAppended.
func (e *Extension) OnEntryAppended(ctx context.Context, en *entry.Entry) error {
	action := ActionCreditsAdjusted
	category := CategoryLedger
	switch en.Kind {
	case entry.KindGrant:
		action = ActionCreditsGranted
	case entry.KindConsume:
		action = ActionCreditsConsumed
		category = CategoryUsage
	case entry.KindExpire:
		action = ActionCreditsExpired
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), category, nil,
		"organization_id", en.OrganizationID,
		"quantity", en.Quantity,
		"source", string(en.Source),
		"reference", en.Reference,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, orgID string, requested, available int64) error {
	return e.record(ctx, ActionInsufficientCredits, SeverityWarning, OutcomeFailure,
		ResourceOrganization, orgID, CategoryUsage, nil,
		"requested", requested,
		"available", available,
	)
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

// OnSessionCreated implements plugin.OnSessionCreated.
func (e *Extension) OnSessionCreated(ctx context.Context, s *checkout.Session) error {
	return e.record(ctx, ActionSessionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSession, s.ID, CategoryPayment, nil,
		"organization_id", s.OrganizationID,
		"kind", string(s.Kind),
		"credits", s.Credits,
		"amount", s.Amount.String(),
	)
}

// OnSessionReconciled implements plugin.OnSessionReconciled. Polls that
// find the session still open are not audited.
func (e *Extension) OnSessionReconciled(ctx context.Context, s *checkout.Session, r *checkout.Result) error {
	if !r.Processed && !r.AlreadyProcessed {
		return nil
	}
	return e.record(ctx, ActionSessionReconciled, SeverityInfo, OutcomeSuccess,
		ResourceSession, s.ID, CategoryPayment, nil,
		"organization_id", s.OrganizationID,
		"already_processed", r.AlreadyProcessed,
		"credits_granted", r.CreditsGranted,
	)
}

// OnSessionFailed implements plugin.OnSessionFailed.
func (e *Extension) OnSessionFailed(ctx context.Context, sessionID string, cause error) error {
	return e.record(ctx, ActionSessionFailed, SeverityError, OutcomeFailure,
		ResourceSession, sessionID, CategoryPayment, cause,
	)
}

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, provider, eventType string) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, "", CategoryIntegration, nil,
		"provider", provider,
		"event_type", eventType,
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionActivated implements plugin.OnSubscriptionActivated.
func (e *Extension) OnSubscriptionActivated(ctx context.Context, s *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionActivated, s)
}

// OnSubscriptionRenewed implements plugin.OnSubscriptionRenewed.
func (e *Extension) OnSubscriptionRenewed(ctx context.Context, s *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionRenewed, s)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, s *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, s.ID.String(), CategorySubscription, nil,
		"organization_id", s.OrganizationID,
		"plan", s.Plan.Code,
		"at_period_end", s.CancelAtPeriodEnd,
		"cancel_reason", s.CancelReason,
	)
}

func (e *Extension) subscriptionEvent(ctx context.Context, action string, s *subscription.Subscription) error {
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, s.ID.String(), CategorySubscription, nil,
		"organization_id", s.OrganizationID,
		"plan", s.Plan.Code,
		"period_end", s.CurrentPeriodEnd,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if e.categories != nil && !e.categories[category] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
