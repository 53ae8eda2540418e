// Package subscription defines an organization's subscription record.
package subscription

import (
	"time"

	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/types"
)

type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusCanceled   Status = "canceled"
)

// Renewable reports whether the renewal sweep should roll the period.
func (s Status) Renewable() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is at most one per organization. A new subscription checkout
// replaces the previous record.
type Subscription struct {
	types.Entity
	ID                     id.SubscriptionID `json:"id"`
	OrganizationID         string            `json:"organization_id"`
	Plan                   plan.Snapshot     `json:"plan_snapshot"`
	Status                 Status            `json:"status"`
	CurrentPeriodStart     time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	CanceledAt             *time.Time        `json:"canceled_at,omitempty"`
	CancelReason           string            `json:"cancel_reason,omitempty"`
	CheckoutSessionID      string            `json:"checkout_session_id,omitempty"`
	ProviderCustomerID     string            `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
}

// Cancellation is the outcome of a cancel request.
type Cancellation struct {
	CancelledImmediately bool      `json:"cancelledImmediately"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd"`
}
