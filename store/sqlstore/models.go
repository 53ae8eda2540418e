package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

type scanner interface {
	Scan(dest ...any) error
}

// ==================== Entry rows ====================

const entryColumns = `id, organization_id, kind, quantity, source, occurred_at, expires_at,
	idempotency_key, reference, notes, created_at`

func (s *Store) entryArgs(e *entry.Entry) []any {
	return []any{
		e.ID.String(), e.OrganizationID, string(e.Kind), e.Quantity, string(e.Source),
		s.d.time(e.OccurredAt), s.d.nullTime(e.ExpiresAt),
		nullString(e.IdempotencyKey), e.Reference, e.Notes, s.d.time(e.CreatedAt),
	}
}

func scanEntry(r scanner) (*entry.Entry, error) {
	var (
		e            entry.Entry
		rawID        string
		kind, source string
		key          sql.NullString
	)
	if err := r.Scan(
		&rawID, &e.OrganizationID, &kind, &e.Quantity, &source,
		scanTime(&e.OccurredAt), scanNullTime(&e.ExpiresAt),
		&key, &e.Reference, &e.Notes, scanTime(&e.CreatedAt),
	); err != nil {
		return nil, err
	}

	entryID, err := id.ParseEntryID(rawID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: entry id: %w", err)
	}
	e.ID = entryID
	e.Kind = entry.Kind(kind)
	e.Source = entry.Source(source)
	e.IdempotencyKey = key.String
	return &e, nil
}

// ==================== Subscription rows ====================

const subscriptionColumns = `id, organization_id, plan_snapshot, status, current_period_start,
	current_period_end, cancel_at_period_end, canceled_at, cancel_reason, checkout_session_id,
	provider_customer_id, provider_subscription_id, created_at, updated_at`

func (s *Store) subscriptionArgs(sub *subscription.Subscription) ([]any, error) {
	snapshot, err := json.Marshal(sub.Plan)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode plan snapshot: %w", err)
	}
	return []any{
		sub.ID.String(), sub.OrganizationID, string(snapshot), string(sub.Status),
		s.d.time(sub.CurrentPeriodStart), s.d.time(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, s.d.nullTime(sub.CanceledAt), sub.CancelReason,
		sub.CheckoutSessionID, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		s.d.time(sub.CreatedAt), s.d.time(sub.UpdatedAt),
	}, nil
}

func scanSubscription(r scanner) (*subscription.Subscription, error) {
	var (
		sub      subscription.Subscription
		rawID    string
		snapshot []byte
		status   string
	)
	if err := r.Scan(
		&rawID, &sub.OrganizationID, &snapshot, &status,
		scanTime(&sub.CurrentPeriodStart), scanTime(&sub.CurrentPeriodEnd),
		&sub.CancelAtPeriodEnd, scanNullTime(&sub.CanceledAt), &sub.CancelReason,
		&sub.CheckoutSessionID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		scanTime(&sub.CreatedAt), scanTime(&sub.UpdatedAt),
	); err != nil {
		return nil, err
	}

	subID, err := id.ParseSubscriptionID(rawID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: subscription id: %w", err)
	}
	sub.ID = subID
	sub.Status = subscription.Status(status)

	var snap plan.Snapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return nil, fmt.Errorf("sqlstore: decode plan snapshot: %w", err)
	}
	sub.Plan = snap
	return &sub, nil
}

// ==================== Checkout session rows ====================

const sessionColumns = `id, organization_id, kind, status, plan_code, billing_period, credits,
	amount, currency, url, processed_at, credits_granted, attempts, last_error, created_at, updated_at`

func (s *Store) sessionArgs(sess *checkout.Session) []any {
	return []any{
		sess.ID, sess.OrganizationID, string(sess.Kind), string(sess.Status),
		sess.PlanCode, string(sess.BillingPeriod), sess.Credits,
		sess.Amount.Amount, sess.Amount.Currency, sess.URL,
		s.d.nullTime(sess.ProcessedAt), sess.CreditsGranted, sess.Attempts, sess.LastError,
		s.d.time(sess.CreatedAt), s.d.time(sess.UpdatedAt),
	}
}

func scanSession(r scanner) (*checkout.Session, error) {
	var (
		sess                 checkout.Session
		kind, status, period string
		amount               int64
		currency             string
	)
	if err := r.Scan(
		&sess.ID, &sess.OrganizationID, &kind, &status, &sess.PlanCode, &period, &sess.Credits,
		&amount, &currency, &sess.URL, scanNullTime(&sess.ProcessedAt),
		&sess.CreditsGranted, &sess.Attempts, &sess.LastError,
		scanTime(&sess.CreatedAt), scanTime(&sess.UpdatedAt),
	); err != nil {
		return nil, err
	}
	sess.Kind = checkout.Kind(kind)
	sess.Status = checkout.Status(status)
	sess.BillingPeriod = pricing.BillingPeriod(period)
	sess.Amount = types.Money{Amount: amount, Currency: currency}
	return &sess, nil
}

// ==================== Organization rows ====================

const organizationColumns = `id, name, billing_email, identity_key, created_at, updated_at`

func scanOrganization(r scanner) (*organization.Organization, error) {
	var o organization.Organization
	if err := r.Scan(
		&o.ID, &o.Name, &o.BillingEmail, &o.IdentityKey,
		scanTime(&o.CreatedAt), scanTime(&o.UpdatedAt),
	); err != nil {
		return nil, err
	}
	return &o, nil
}
