// Package stripe adapts Stripe Checkout and the Stripe billing portal to
// checkout.Provider, and verifies Stripe webhooks.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/types"
)

// ProviderName identifies Stripe in logs, metrics and webhook hooks.
const ProviderName = "stripe"

var _ checkout.Provider = (*Provider)(nil)

// Provider talks to the Stripe API with a per-provider key, leaving the
// global stripe.Key untouched.
type Provider struct {
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getCheckoutSession    func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
}

// New creates a provider for the given secret key.
func New(key string) *Provider {
	backend := stripelib.GetBackend(stripelib.APIBackend)
	sessions := &checkoutsession.Client{B: backend, Key: strings.TrimSpace(key)}
	portal := &portalsession.Client{B: backend, Key: strings.TrimSpace(key)}

	return &Provider{
		createCheckoutSession: sessions.New,
		getCheckoutSession:    sessions.Get,
		createPortalSession:   portal.New,
	}
}

func (p *Provider) Name() string { return ProviderName }

// CreateSession opens a hosted checkout. Recurring kinds become subscription
// mode with inline price data; top-ups are one-off payments that still
// create a customer so the billing portal works later.
func (p *Provider) CreateSession(ctx context.Context, cp checkout.CreateParams) (*checkout.ProviderSession, error) {
	priceData := &stripelib.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripelib.String(strings.ToLower(cp.Amount.Currency)),
		UnitAmount: stripelib.Int64(cp.Amount.Amount),
		ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripelib.String(cp.Description),
		},
	}

	params := &stripelib.CheckoutSessionParams{
		SuccessURL: stripelib.String(cp.SuccessURL),
		CancelURL:  stripelib.String(cp.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripelib.Int64(1)},
		},
		Metadata: cp.Metadata,
	}
	params.Context = ctx
	if cp.CustomerEmail != "" {
		params.CustomerEmail = stripelib.String(cp.CustomerEmail)
	}

	if cp.Recurring {
		interval := stripelib.PriceRecurringIntervalMonth
		if pricing.BillingPeriod(cp.Metadata[checkout.MetaBillingPeriod]) == pricing.Annual {
			interval = stripelib.PriceRecurringIntervalYear
		}
		priceData.Recurring = &stripelib.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripelib.String(string(interval)),
		}
		params.Mode = stripelib.String(string(stripelib.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{Metadata: cp.Metadata}
	} else {
		params.Mode = stripelib.String(string(stripelib.CheckoutSessionModePayment))
		params.CustomerCreation = stripelib.String(string(stripelib.CheckoutSessionCustomerCreationAlways))
		params.PaymentIntentData = &stripelib.CheckoutSessionPaymentIntentDataParams{Metadata: cp.Metadata}
	}

	s, err := p.createCheckoutSession(params)
	if err != nil {
		return nil, mapError("create checkout session", err, credits.ErrNotFound)
	}
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return nil, fmt.Errorf("%w: checkout session has no url", credits.ErrProviderUnavailable)
	}
	return toProviderSession(s), nil
}

func (p *Provider) FetchSession(ctx context.Context, sessionID string) (*checkout.ProviderSession, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.getCheckoutSession(sessionID, params)
	if err != nil {
		return nil, mapError("fetch checkout session", err, credits.ErrSessionNotFound)
	}
	return toProviderSession(s), nil
}

func (p *Provider) OpenBillingPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	s, err := p.createPortalSession(params)
	if err != nil {
		return "", mapError("open billing portal", err, credits.ErrCustomerNotLinked)
	}
	return s.URL, nil
}

func toProviderSession(s *stripelib.CheckoutSession) *checkout.ProviderSession {
	ps := &checkout.ProviderSession{
		ID:       s.ID,
		URL:      s.URL,
		Kind:     checkout.Kind(s.Metadata[checkout.MetaKind]),
		Amount:   types.Money{Amount: s.AmountTotal, Currency: strings.ToLower(string(s.Currency))},
		Metadata: s.Metadata,
		Paid: s.PaymentStatus == stripelib.CheckoutSessionPaymentStatusPaid ||
			s.PaymentStatus == stripelib.CheckoutSessionPaymentStatusNoPaymentRequired,
	}

	switch s.Status {
	case stripelib.CheckoutSessionStatusComplete:
		ps.Status = checkout.ProviderComplete
	case stripelib.CheckoutSessionStatusExpired:
		ps.Status = checkout.ProviderExpired
	default:
		ps.Status = checkout.ProviderOpen
	}

	if s.Customer != nil {
		ps.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		ps.ProviderSubscriptionID = s.Subscription.ID
	}
	return ps
}

// mapError classifies Stripe failures: missing resources become notFound,
// rate limits, server errors and transport failures become
// ErrProviderUnavailable, and anything else is a plain error.
func mapError(op string, err error, notFound error) error {
	var se *stripelib.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %s: %w", credits.ErrProviderUnavailable, op, err)
	}

	switch {
	case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripelib.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", notFound, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: %s", credits.ErrProviderUnavailable, op, se.Msg)
	}
	return fmt.Errorf("stripe: %s: %s", op, se.Msg)
}
