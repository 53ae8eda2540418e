package credits

import (
	"context"
	"errors"
	"time"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

// failureRecordTimeout bounds the bookkeeping write after a failed attempt.
const failureRecordTimeout = 5 * time.Second

// Reconcile confirms a checkout session with the provider and applies its
// effect exactly once. It is the single path for both client-side
// confirmation and provider webhooks; calling it any number of times, from
// any number of goroutines or processes, grants credits at most once.
//
// A session that is still open at the provider, or complete with a delayed
// payment that has not settled, reports Processed=false and stays
// processing. A provider failure marks the session failed and returns
// ErrProviderUnavailable; the session stays eligible for a retry.
func (e *Engine) Reconcile(ctx context.Context, sessionID string) (*checkout.Result, error) {
	if sessionID == "" {
		return nil, ValidationError{Field: "providerSessionId", Message: "is required"}
	}
	if e.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		sess, err = e.adoptSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if sess.Processed() {
		return e.alreadyProcessed(ctx, sess), nil
	}

	if err := e.store.MarkSessionProcessing(ctx, sessionID); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return e.reloadProcessed(ctx, sessionID)
		}
		return nil, err
	}

	ps, err := e.fetchSession(ctx, sessionID)
	if err != nil {
		e.failSession(ctx, sessionID, err)
		return nil, err
	}

	switch {
	case ps.Status == checkout.ProviderExpired:
		if err := e.store.MarkSessionExpired(ctx, sessionID); err != nil {
			return nil, err
		}
		e.logger.Info("checkout session expired", "session_id", sessionID)
		return &checkout.Result{SessionID: sessionID, Status: checkout.StatusExpired}, nil

	case ps.Status == checkout.ProviderComplete && !ps.Paid:
		// Bank debits complete the session before the funds settle; the
		// async_payment_succeeded webhook reconciles it again.
		e.logger.Info("checkout session awaiting payment", "session_id", sessionID)
		return e.pending(ctx, sess), nil

	case ps.Status != checkout.ProviderComplete:
		return e.pending(ctx, sess), nil
	}

	effect, err := e.buildEffect(sess, ps)
	if err != nil {
		e.failSession(ctx, sessionID, err)
		return nil, err
	}

	if err := e.store.CompleteSession(ctx, effect); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// Another reconciler won the claim between our read and write.
			return e.reloadProcessed(ctx, sessionID)
		}
		e.failSession(ctx, sessionID, err)
		return nil, err
	}

	processedAt := effect.ProcessedAt
	sess.Status = checkout.StatusCompleted
	sess.ProcessedAt = &processedAt
	sess.CreditsGranted = effect.CreditsGranted()

	result := &checkout.Result{
		SessionID:      sessionID,
		Status:         checkout.StatusCompleted,
		Processed:      true,
		CreditsGranted: sess.CreditsGranted,
	}

	e.logger.Info("checkout session reconciled",
		"session_id", sessionID,
		"organization_id", sess.OrganizationID,
		"kind", sess.Kind,
		"credits_granted", result.CreditsGranted,
	)

	if effect.Grant != nil {
		e.plugins.EmitEntryAppended(ctx, effect.Grant)
	}
	if effect.Subscription != nil {
		e.plugins.EmitSubscriptionActivated(ctx, effect.Subscription)
	}
	e.plugins.EmitSessionReconciled(ctx, sess, result)
	e.announce(ctx, sess.OrganizationID, notify.ReasonCheckout)

	return result, nil
}

// buildEffect turns a completed provider session into the ledger and
// subscription writes it causes.
func (e *Engine) buildEffect(sess *checkout.Session, ps *checkout.ProviderSession) (*checkout.Effect, error) {
	now := e.now().UTC()
	effect := &checkout.Effect{SessionID: sess.ID, ProcessedAt: now}

	grant := &entry.Entry{
		ID:             id.NewEntryID(),
		OrganizationID: sess.OrganizationID,
		Kind:           entry.KindGrant,
		Quantity:       sess.Credits,
		Source:         entry.SourceTopup,
		OccurredAt:     now,
		IdempotencyKey: "checkout:" + sess.ID,
		Reference:      sess.ID,
		CreatedAt:      now,
	}

	if sess.Kind.Recurring() {
		var snap plan.Snapshot
		if sess.Kind == checkout.KindQuotation {
			snap = plan.Quote("Quotation", sess.Credits, sess.Amount)
		} else {
			var err error
			if snap, err = e.plans.Snapshot(sess.PlanCode, sess.Amount.Currency, sess.BillingPeriod); err != nil {
				return nil, pricingValidation(err)
			}
			// Freeze what was actually charged.
			snap.PeriodPrice = sess.Amount
		}

		periodEnd := plan.NextPeriodEnd(now)
		expiry := plan.GrantExpiry(periodEnd)
		grant.Source = entry.SourceSubscription
		grant.Quantity = snap.IncludedCredits
		grant.ExpiresAt = &expiry

		effect.Subscription = &subscription.Subscription{
			Entity:                 types.Entity{CreatedAt: now, UpdatedAt: now},
			ID:                     id.NewSubscriptionID(),
			OrganizationID:         sess.OrganizationID,
			Plan:                   snap,
			Status:                 subscription.StatusActive,
			CurrentPeriodStart:     now,
			CurrentPeriodEnd:       periodEnd,
			CheckoutSessionID:      sess.ID,
			ProviderCustomerID:     ps.CustomerID,
			ProviderSubscriptionID: ps.ProviderSubscriptionID,
		}
	}

	if grant.Quantity > 0 {
		if err := grant.Validate(); err != nil {
			return nil, validationFromEntry(err)
		}
		effect.Grant = grant
	}
	return effect, nil
}

// adoptSession registers a session created outside this store, provided
// its provider metadata identifies the organization and kind.
func (e *Engine) adoptSession(ctx context.Context, sessionID string) (*checkout.Session, error) {
	ps, err := e.fetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, ok := sessionFromMetadata(ps)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return e.store.GetSession(ctx, sessionID)
		}
		return nil, err
	}
	e.logger.Info("checkout session adopted from provider",
		"session_id", sessionID,
		"organization_id", sess.OrganizationID,
	)
	return sess, nil
}

func (e *Engine) fetchSession(ctx context.Context, sessionID string) (*checkout.ProviderSession, error) {
	pctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	ps, err := e.provider.FetchSession(pctx, sessionID)
	if err != nil {
		return nil, providerError(err)
	}
	return ps, nil
}

// failSession records the failure even when ctx was canceled, which is the
// usual reason the provider call failed.
func (e *Engine) failSession(ctx context.Context, sessionID string, cause error) {
	e.logger.Warn("checkout reconciliation failed",
		"session_id", sessionID,
		"error", cause,
	)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	if err := e.store.MarkSessionFailed(ctx, sessionID, cause.Error()); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		e.logger.Error("failed to record checkout failure",
			"session_id", sessionID,
			"error", err,
		)
	}
	e.plugins.EmitSessionFailed(ctx, sessionID, cause)
}

func (e *Engine) pending(ctx context.Context, sess *checkout.Session) *checkout.Result {
	result := &checkout.Result{SessionID: sess.ID, Status: checkout.StatusProcessing}
	e.plugins.EmitSessionReconciled(ctx, sess, result)
	return result
}

func (e *Engine) reloadProcessed(ctx context.Context, sessionID string) (*checkout.Result, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.alreadyProcessed(ctx, sess), nil
}

func (e *Engine) alreadyProcessed(ctx context.Context, sess *checkout.Session) *checkout.Result {
	result := &checkout.Result{
		SessionID:        sess.ID,
		Status:           sess.Status,
		Processed:        true,
		AlreadyProcessed: true,
		CreditsGranted:   sess.CreditsGranted,
	}
	e.plugins.EmitSessionReconciled(ctx, sess, result)
	return result
}
