// Package checkout models payment-provider checkout sessions and the port
// the reconciler uses to reach the provider.
package checkout

import (
	"time"

	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

type Kind string

const (
	KindSubscription Kind = "subscription"
	KindTopup        Kind = "topup"
	KindQuotation    Kind = "quotation"
)

func (k Kind) Valid() bool {
	return k == KindSubscription || k == KindTopup || k == KindQuotation
}

// Recurring reports whether the kind activates a subscription.
func (k Kind) Recurring() bool { return k == KindSubscription || k == KindQuotation }

// Status is the local reconciliation state of a session.
type Status string

const (
	StatusOpen       Status = "open"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether polling can stop.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusExpired }

// Session is the local record of a provider checkout session. ID is the
// provider's session id. ProcessedAt is set exactly once, in the same unit
// of work that applies the session's effect.
type Session struct {
	types.Entity
	ID             string                `json:"id"`
	OrganizationID string                `json:"organization_id"`
	Kind           Kind                  `json:"kind"`
	Status         Status                `json:"status"`
	PlanCode       string                `json:"plan_code,omitempty"`
	BillingPeriod  pricing.BillingPeriod `json:"billing_period,omitempty"`
	Credits        int64                 `json:"credits"`
	Amount         types.Money           `json:"amount"`
	URL            string                `json:"url,omitempty"`
	ProcessedAt    *time.Time            `json:"processed_at,omitempty"`
	CreditsGranted int64                 `json:"credits_granted"`
	Attempts       int                   `json:"attempts"`
	LastError      string                `json:"last_error,omitempty"`
}

// Processed reports whether the session's effect has been applied.
func (s *Session) Processed() bool { return s.ProcessedAt != nil }

// Effect is everything a completed session changes, applied atomically
// together with the processed claim.
type Effect struct {
	SessionID   string
	ProcessedAt time.Time
	// Grant is nil when the session grants nothing.
	Grant *entry.Entry
	// Subscription replaces the organization's current subscription when set.
	Subscription *subscription.Subscription
}

// CreditsGranted is the quantity of Grant, or zero.
func (e *Effect) CreditsGranted() int64 {
	if e.Grant == nil {
		return 0
	}
	return e.Grant.Quantity
}

// Result is what Reconcile reports to callers.
type Result struct {
	SessionID        string `json:"sessionId"`
	Status           Status `json:"status"`
	Processed        bool   `json:"processed"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
	CreditsGranted   int64  `json:"creditsGranted,omitempty"`
}

// Request starts a checkout.
type Request struct {
	OrganizationID string                `json:"organization_id"`
	Kind           Kind                  `json:"kind"`
	PlanCode       string                `json:"plan_code,omitempty"`
	Credits        int64                 `json:"credits,omitempty"`
	Currency       string                `json:"currency,omitempty"`
	BillingPeriod  pricing.BillingPeriod `json:"billing_period,omitempty"`
	// QuotedPrice is required for quotations.
	QuotedPrice   *types.Money `json:"quoted_price,omitempty"`
	CustomerEmail string       `json:"customer_email,omitempty"`
	SuccessURL    string       `json:"success_url"`
	CancelURL     string       `json:"cancel_url"`
}
