package credits

import (
	"context"

	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/subscription"
)

// CancelRequest asks to stop a subscription.
type CancelRequest struct {
	Reason            string `json:"reason"`
	CancelImmediately bool   `json:"cancelImmediately"`
}

// GetSubscription returns the organization's subscription or
// ErrSubscriptionNotFound.
func (e *Engine) GetSubscription(ctx context.Context, orgID string) (*subscription.Subscription, error) {
	if orgID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}
	return e.store.GetSubscription(ctx, orgID)
}

// CancelSubscription updates local state only. An immediate cancel ends
// the current period now; otherwise the subscription runs to the end of
// its period and the renewal sweep cancels it then. Credits already granted
// are untouched either way.
func (e *Engine) CancelSubscription(ctx context.Context, orgID string, req CancelRequest) (*subscription.Cancellation, error) {
	sub, err := e.GetSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscription.StatusCanceled {
		return nil, ErrSubscriptionCanceled
	}

	now := e.now().UTC()
	sub.CancelReason = req.Reason
	if req.CancelImmediately {
		sub.Status = subscription.StatusCanceled
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.CurrentPeriodEnd = now
	} else {
		sub.CancelAtPeriodEnd = true
	}
	sub.UpdatedAt = now

	if err := e.store.UpdateCancellation(ctx, sub); err != nil {
		return nil, err
	}

	e.logger.Info("subscription cancellation recorded",
		"organization_id", orgID,
		"immediately", req.CancelImmediately,
		"period_end", sub.CurrentPeriodEnd,
	)
	e.plugins.EmitSubscriptionCanceled(ctx, sub)
	if req.CancelImmediately {
		e.announce(ctx, orgID, notify.ReasonSubscriptionEnd)
	}

	return &subscription.Cancellation{
		CancelledImmediately: req.CancelImmediately,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
	}, nil
}
