package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/subscription"
)

// runSweeps is the cron job body.
func (e *Engine) runSweeps() {
	ctx := context.Background()
	start := time.Now()

	renewed, err := e.RenewDue(ctx)
	if err != nil {
		e.logger.Error("renewal sweep failed", "error", err)
	}
	expired, err := e.SweepExpired(ctx)
	if err != nil {
		e.logger.Error("expiry sweep failed", "error", err)
	}

	e.logger.Debug("sweeps completed",
		"renewed", renewed,
		"expired", expired,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Rollover expiry
// ──────────────────────────────────────────────────

// SweepExpired records an expire entry for every grant whose rollover
// window has closed with credit left on it. The entry is dated at the
// grant's expiry and keyed on the grant, so repeated sweeps write nothing
// new. It returns the number of batches expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now().UTC()

	grants, err := e.store.ListExpiringGrants(ctx, now.Add(-e.expiryLookback), now)
	if err != nil {
		return 0, err
	}
	orgs := lo.Uniq(lo.Map(grants, func(g *entry.Entry, _ int) string { return g.OrganizationID }))

	var (
		expired int
		errs    []error
	)
	for _, orgID := range orgs {
		n, err := e.expireLapsed(ctx, orgID, now)
		expired += n
		if err != nil {
			e.logger.Warn("expiry sweep failed for organization",
				"organization_id", orgID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("organization %s: %w", orgID, err))
		}
	}

	if expired > 0 {
		e.logger.Info("expired lapsed credit batches", "batches", expired, "organizations", len(orgs))
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expireLapsed(ctx context.Context, orgID string, now time.Time) (int, error) {
	bal, err := e.Balance(ctx, orgID, now)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range bal.Batches {
		if !b.Lapsed || b.LapsedQuantity <= 0 {
			continue
		}
		if _, err := e.Append(ctx, &entry.Entry{
			OrganizationID: orgID,
			Kind:           entry.KindExpire,
			Quantity:       -b.LapsedQuantity,
			Source:         b.Source,
			OccurredAt:     *b.ExpiresAt,
			IdempotencyKey: "expire:" + b.GrantID.String(),
			Reference:      b.GrantID.String(),
			Notes:          "rollover window closed",
		}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.announce(ctx, orgID, notify.ReasonExpiry)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Renewals
// ──────────────────────────────────────────────────

// RenewDue advances every active subscription whose period has ended and
// grants the new period's credits. Subscriptions flagged to cancel at
// period end are canceled instead. It returns the number of subscriptions
// changed.
func (e *Engine) RenewDue(ctx context.Context) (int, error) {
	now := e.now().UTC()

	subs, err := e.store.ListDueSubscriptions(ctx, now, e.renewalBatch)
	if err != nil {
		return 0, err
	}

	var (
		changed int
		errs    []error
	)
	for _, sub := range subs {
		err := e.renew(ctx, sub, now)
		switch {
		case err == nil:
			changed++
		case errors.Is(err, ErrConflict):
			// Another worker renewed it first.
			e.logger.Debug("subscription renewal skipped", "subscription_id", sub.ID.String())
		default:
			e.logger.Warn("subscription renewal failed",
				"subscription_id", sub.ID.String(),
				"organization_id", sub.OrganizationID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	return changed, errors.Join(errs...)
}

// renew rolls sub forward one period at a time until its period covers
// now, so a sweep that ran late still grants each missed period once.
func (e *Engine) renew(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	for !sub.CurrentPeriodEnd.After(now) {
		prevEnd := sub.CurrentPeriodEnd

		if sub.CancelAtPeriodEnd {
			canceledAt := prevEnd
			sub.Status = subscription.StatusCanceled
			sub.CancelAtPeriodEnd = false
			sub.CanceledAt = &canceledAt
			sub.UpdatedAt = now
			if err := e.store.RenewSubscription(ctx, sub, prevEnd, nil); err != nil {
				return err
			}
			e.logger.Info("subscription canceled at period end",
				"subscription_id", sub.ID.String(),
				"organization_id", sub.OrganizationID,
			)
			e.plugins.EmitSubscriptionCanceled(ctx, sub)
			e.announce(ctx, sub.OrganizationID, notify.ReasonSubscriptionEnd)
			return nil
		}

		start := prevEnd
		end := plan.NextPeriodEnd(start)
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		sub.UpdatedAt = now

		grant := renewalGrant(sub, now)
		if err := e.store.RenewSubscription(ctx, sub, prevEnd, grant); err != nil {
			return err
		}

		e.logger.Info("subscription renewed",
			"subscription_id", sub.ID.String(),
			"organization_id", sub.OrganizationID,
			"period_start", start,
			"credits", sub.Plan.IncludedCredits,
		)
		if grant != nil {
			e.plugins.EmitEntryAppended(ctx, grant)
		}
		e.plugins.EmitSubscriptionRenewed(ctx, sub)
		e.announce(ctx, sub.OrganizationID, notify.ReasonRenewal)
	}
	return nil
}

// renewalGrant is the grant for sub's current period, or nil for a plan
// without included credits.
func renewalGrant(sub *subscription.Subscription, now time.Time) *entry.Entry {
	if sub.Plan.IncludedCredits <= 0 {
		return nil
	}
	expiry := plan.GrantExpiry(sub.CurrentPeriodEnd)
	return &entry.Entry{
		ID:             id.NewEntryID(),
		OrganizationID: sub.OrganizationID,
		Kind:           entry.KindGrant,
		Quantity:       sub.Plan.IncludedCredits,
		Source:         entry.SourceSubscription,
		OccurredAt:     sub.CurrentPeriodStart,
		ExpiresAt:      &expiry,
		IdempotencyKey: fmt.Sprintf("renewal:%s:%s", sub.ID, sub.CurrentPeriodStart.UTC().Format(time.RFC3339)),
		Reference:      sub.ID.String(),
		CreatedAt:      now,
	}
}
