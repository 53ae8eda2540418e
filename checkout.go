package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/types"
)

// CreateCheckout prices the request, opens a provider session and records
// it locally with the effect it will have once paid.
func (e *Engine) CreateCheckout(ctx context.Context, req checkout.Request) (*checkout.Session, error) {
	if e.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	if req.OrganizationID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}
	if !req.Kind.Valid() {
		return nil, ValidationError{Field: "kind", Message: fmt.Sprintf("unknown checkout kind %q", req.Kind)}
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, ValidationError{Field: "success_url", Message: "success and cancel urls are required"}
	}

	currency := types.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = e.pricing.BaseCurrency()
	}
	period := req.BillingPeriod
	if period == "" {
		period = pricing.Monthly
	}
	if !period.Valid() {
		return nil, ValidationError{Field: "billing_period", Message: fmt.Sprintf("unknown billing period %q", period)}
	}

	now := e.now().UTC()
	sess := &checkout.Session{
		Entity:         types.Entity{CreatedAt: now, UpdatedAt: now},
		OrganizationID: req.OrganizationID,
		Kind:           req.Kind,
		Status:         checkout.StatusOpen,
		BillingPeriod:  period,
	}

	var description string
	switch req.Kind {
	case checkout.KindSubscription:
		snap, err := e.plans.Snapshot(req.PlanCode, currency, period)
		if err != nil {
			return nil, pricingValidation(err)
		}
		sess.PlanCode = snap.Code
		sess.Credits = snap.IncludedCredits
		sess.Amount = snap.PeriodPrice
		description = snap.Name + " plan"

	case checkout.KindTopup:
		price, err := e.pricing.TopupPrice(req.Credits, currency)
		if err != nil {
			return nil, pricingValidation(err)
		}
		sess.Credits = req.Credits
		sess.Amount = price.Amount
		description = fmt.Sprintf("%d inspection credits", req.Credits)

	case checkout.KindQuotation:
		if req.Credits <= 0 {
			return nil, ValidationError{Field: "credits", Message: "must be positive"}
		}
		if req.QuotedPrice == nil || req.QuotedPrice.Amount <= 0 {
			return nil, ValidationError{Field: "quoted_price", Message: "is required for quotations"}
		}
		sess.PlanCode = plan.QuotationCode
		sess.Credits = req.Credits
		sess.Amount = types.New(req.QuotedPrice.Amount, req.QuotedPrice.Currency)
		description = fmt.Sprintf("Quotation: %d credits per month", req.Credits)
	}

	pctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	ps, err := e.provider.CreateSession(pctx, checkout.CreateParams{
		Kind:          req.Kind,
		Description:   description,
		Amount:        sess.Amount,
		Recurring:     req.Kind.Recurring(),
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		Metadata:      sessionMetadata(sess),
	})
	if err != nil {
		return nil, providerError(err)
	}
	sess.ID = ps.ID
	sess.URL = ps.URL

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	e.logger.Info("checkout session created",
		"session_id", sess.ID,
		"organization_id", sess.OrganizationID,
		"kind", sess.Kind,
		"credits", sess.Credits,
		"amount", sess.Amount.String(),
	)
	e.plugins.EmitSessionCreated(ctx, sess)

	return sess, nil
}

// OpenBillingPortal returns a provider-hosted page where the organization
// manages its payment details. An empty returnURL uses the engine default.
func (e *Engine) OpenBillingPortal(ctx context.Context, orgID, returnURL string) (string, error) {
	if e.provider == nil {
		return "", ErrProviderNotConfigured
	}

	sub, err := e.GetSubscription(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return "", ErrCustomerNotLinked
	}
	if err != nil {
		return "", err
	}
	if sub.ProviderCustomerID == "" {
		return "", ErrCustomerNotLinked
	}
	if returnURL == "" {
		returnURL = e.portalReturnURL
	}

	pctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	url, err := e.provider.OpenBillingPortal(pctx, sub.ProviderCustomerID, returnURL)
	if err != nil {
		return "", providerError(err)
	}
	return url, nil
}

func sessionMetadata(s *checkout.Session) map[string]string {
	md := map[string]string{
		checkout.MetaOrganizationID: s.OrganizationID,
		checkout.MetaKind:           string(s.Kind),
		checkout.MetaCredits:        strconv.FormatInt(s.Credits, 10),
		checkout.MetaBillingPeriod:  string(s.BillingPeriod),
	}
	if s.PlanCode != "" {
		md[checkout.MetaPlanCode] = s.PlanCode
	}
	return md
}

// sessionFromMetadata rebuilds a local record for a session the provider
// knows about but this store does not. The metadata must name an
// organization and a kind.
func sessionFromMetadata(ps *checkout.ProviderSession) (*checkout.Session, bool) {
	orgID := ps.Metadata[checkout.MetaOrganizationID]
	kind := checkout.Kind(ps.Metadata[checkout.MetaKind])
	if orgID == "" || !kind.Valid() {
		return nil, false
	}
	credits, err := strconv.ParseInt(ps.Metadata[checkout.MetaCredits], 10, 64)
	if err != nil {
		return nil, false
	}
	period := pricing.BillingPeriod(ps.Metadata[checkout.MetaBillingPeriod])
	if !period.Valid() {
		period = pricing.Monthly
	}

	return &checkout.Session{
		Entity:         types.NewEntity(),
		ID:             ps.ID,
		OrganizationID: orgID,
		Kind:           kind,
		Status:         checkout.StatusOpen,
		PlanCode:       ps.Metadata[checkout.MetaPlanCode],
		BillingPeriod:  period,
		Credits:        credits,
		Amount:         ps.Amount,
		URL:            ps.URL,
	}, true
}

// providerError tags a provider failure as retryable unless the provider
// already classified it.
func providerError(err error) error {
	if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
