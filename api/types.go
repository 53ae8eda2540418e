package api

import (
	"time"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/types"
)

// ──────────────────────────────────────────────────
// Requests
// ──────────────────────────────────────────────────

type cancelRequest struct {
	Reason            string `json:"reason" validate:"max=500"`
	CancelImmediately bool   `json:"cancelImmediately"`
}

type moneyRequest struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"required,len=3"`
}

type checkoutRequest struct {
	Kind          string        `json:"kind" validate:"required,oneof=subscription topup quotation"`
	PlanCode      string        `json:"planCode" validate:"required_if=Kind subscription"`
	Credits       int64         `json:"credits" validate:"gte=0"`
	Currency      string        `json:"currency" validate:"omitempty,len=3"`
	BillingPeriod string        `json:"billingPeriod" validate:"omitempty,oneof=monthly annual"`
	QuotedPrice   *moneyRequest `json:"quotedPrice" validate:"omitempty"`
	CustomerEmail string        `json:"customerEmail" validate:"omitempty,email"`
	SuccessURL    string        `json:"successUrl" validate:"required,url"`
	CancelURL     string        `json:"cancelUrl" validate:"required,url"`
}

func (r checkoutRequest) toCheckout(orgID string) checkout.Request {
	req := checkout.Request{
		OrganizationID: orgID,
		Kind:           checkout.Kind(r.Kind),
		PlanCode:       r.PlanCode,
		Credits:        r.Credits,
		Currency:       r.Currency,
		BillingPeriod:  pricing.BillingPeriod(r.BillingPeriod),
		CustomerEmail:  r.CustomerEmail,
		SuccessURL:     r.SuccessURL,
		CancelURL:      r.CancelURL,
	}
	if r.QuotedPrice != nil {
		price := types.New(r.QuotedPrice.Amount, r.QuotedPrice.Currency)
		req.QuotedPrice = &price
	}
	return req
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
}

type reconcileRequest struct {
	ProviderSessionID string `json:"providerSessionId" validate:"required"`
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	// Available is set on 402 responses.
	Available *int64 `json:"available,omitempty"`
}

type balanceResponse struct {
	Available int64 `json:"available"`
	Consumed  int64 `json:"consumed"`
	Expired   int64 `json:"expired"`
}

type ledgerEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Quantity  int64     `json:"quantity"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	Notes     string    `json:"notes,omitempty"`
}

func toLedgerEntry(e *entry.Entry, _ int) ledgerEntry {
	return ledgerEntry{
		ID:        e.ID.String(),
		Kind:      string(e.Kind),
		Quantity:  e.Quantity,
		Source:    string(e.Source),
		CreatedAt: e.CreatedAt,
		Notes:     e.Notes,
	}
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type consumeResponse struct {
	EntryID   string `json:"entryId"`
	Available int64  `json:"available"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
