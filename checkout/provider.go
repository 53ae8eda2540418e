package checkout

import (
	"context"

	"github.com/inspect360/credits/types"
)

// Metadata keys written on every provider session so a session can be
// recognised even when the local record is missing.
const (
	MetaOrganizationID = "organization_id"
	MetaKind           = "kind"
	MetaPlanCode       = "plan_code"
	MetaCredits        = "credits"
	MetaBillingPeriod  = "billing_period"
)

// ProviderStatus is the provider's view of a session.
type ProviderStatus string

const (
	ProviderOpen     ProviderStatus = "open"
	ProviderComplete ProviderStatus = "complete"
	ProviderExpired  ProviderStatus = "expired"
)

// ProviderSession is what the provider reports about a session.
type ProviderSession struct {
	ID                     string
	URL                    string
	Status                 ProviderStatus
	Paid                   bool
	Kind                   Kind
	Amount                 types.Money
	CustomerID             string
	ProviderSubscriptionID string
	Metadata               map[string]string
}

// CreateParams describes a session to create at the provider.
type CreateParams struct {
	Kind          Kind
	Description   string
	Amount        types.Money
	Recurring     bool
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// Provider is the payment processor. Implementations must honour ctx
// deadlines, return ErrProviderUnavailable (root package) for transient
// failures and ErrSessionNotFound for unknown sessions.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, p CreateParams) (*ProviderSession, error)
	FetchSession(ctx context.Context, sessionID string) (*ProviderSession, error)
	OpenBillingPortal(ctx context.Context, customerID, returnURL string) (string, error)
}
