package mongo

import (
	"fmt"
	"time"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

// ==================== Entry models ====================

type entryModel struct {
	ID             string     `bson:"_id"`
	OrganizationID string     `bson:"organization_id"`
	Kind           string     `bson:"kind"`
	KindRank       int        `bson:"kind_rank"`
	Quantity       int64      `bson:"quantity"`
	Source         string     `bson:"source"`
	OccurredAt     time.Time  `bson:"occurred_at"`
	ExpiresAt      *time.Time `bson:"expires_at,omitempty"`
	IdempotencyKey string     `bson:"idempotency_key,omitempty"`
	Reference      string     `bson:"reference"`
	Notes          string     `bson:"notes"`
	CreatedAt      time.Time  `bson:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		OrganizationID: e.OrganizationID,
		Kind:           string(e.Kind),
		KindRank:       e.Kind.Rank(),
		Quantity:       e.Quantity,
		Source:         string(e.Source),
		OccurredAt:     e.OccurredAt.UTC(),
		ExpiresAt:      utcPtr(e.ExpiresAt),
		IdempotencyKey: e.IdempotencyKey,
		Reference:      e.Reference,
		Notes:          e.Notes,
		CreatedAt:      e.CreatedAt.UTC(),
	}
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: entry id: %w", err)
	}
	return &entry.Entry{
		ID:             entryID,
		OrganizationID: m.OrganizationID,
		Kind:           entry.Kind(m.Kind),
		Quantity:       m.Quantity,
		Source:         entry.Source(m.Source),
		OccurredAt:     m.OccurredAt.UTC(),
		ExpiresAt:      utcPtr(m.ExpiresAt),
		IdempotencyKey: m.IdempotencyKey,
		Reference:      m.Reference,
		Notes:          m.Notes,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== Subscription models ====================

type moneyModel struct {
	Amount   int64  `bson:"amount"`
	Currency string `bson:"currency"`
}

func toMoney(m types.Money) moneyModel  { return moneyModel{Amount: m.Amount, Currency: m.Currency} }
func (m moneyModel) money() types.Money { return types.Money{Amount: m.Amount, Currency: m.Currency} }

type snapshotModel struct {
	Code            string     `bson:"code"`
	Name            string     `bson:"name"`
	IncludedCredits int64      `bson:"included_credits"`
	MonthlyPrice    moneyModel `bson:"monthly_price"`
	Currency        string     `bson:"currency"`
	BillingPeriod   string     `bson:"billing_period"`
	PeriodPrice     moneyModel `bson:"period_price"`
	PriceSource     string     `bson:"price_source"`
	Quoted          bool       `bson:"quoted"`
}

type subscriptionModel struct {
	ID                     string        `bson:"_id"`
	OrganizationID         string        `bson:"organization_id"`
	Plan                   snapshotModel `bson:"plan_snapshot"`
	Status                 string        `bson:"status"`
	CurrentPeriodStart     time.Time     `bson:"current_period_start"`
	CurrentPeriodEnd       time.Time     `bson:"current_period_end"`
	CancelAtPeriodEnd      bool          `bson:"cancel_at_period_end"`
	CanceledAt             *time.Time    `bson:"canceled_at,omitempty"`
	CancelReason           string        `bson:"cancel_reason"`
	CheckoutSessionID      string        `bson:"checkout_session_id"`
	ProviderCustomerID     string        `bson:"provider_customer_id"`
	ProviderSubscriptionID string        `bson:"provider_subscription_id"`
	CreatedAt              time.Time     `bson:"created_at"`
	UpdatedAt              time.Time     `bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:             s.ID.String(),
		OrganizationID: s.OrganizationID,
		Plan: snapshotModel{
			Code:            s.Plan.Code,
			Name:            s.Plan.Name,
			IncludedCredits: s.Plan.IncludedCredits,
			MonthlyPrice:    toMoney(s.Plan.MonthlyPrice),
			Currency:        s.Plan.Currency,
			BillingPeriod:   string(s.Plan.BillingPeriod),
			PeriodPrice:     toMoney(s.Plan.PeriodPrice),
			PriceSource:     string(s.Plan.PriceSource),
			Quoted:          s.Plan.Quoted,
		},
		Status:                 string(s.Status),
		CurrentPeriodStart:     s.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       s.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CanceledAt:             utcPtr(s.CanceledAt),
		CancelReason:           s.CancelReason,
		CheckoutSessionID:      s.CheckoutSessionID,
		ProviderCustomerID:     s.ProviderCustomerID,
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		CreatedAt:              s.CreatedAt.UTC(),
		UpdatedAt:              s.UpdatedAt.UTC(),
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: subscription id: %w", err)
	}
	return &subscription.Subscription{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             subID,
		OrganizationID: m.OrganizationID,
		Plan: plan.Snapshot{
			Code:            m.Plan.Code,
			Name:            m.Plan.Name,
			IncludedCredits: m.Plan.IncludedCredits,
			MonthlyPrice:    m.Plan.MonthlyPrice.money(),
			Currency:        m.Plan.Currency,
			BillingPeriod:   pricing.BillingPeriod(m.Plan.BillingPeriod),
			PeriodPrice:     m.Plan.PeriodPrice.money(),
			PriceSource:     pricing.Source(m.Plan.PriceSource),
			Quoted:          m.Plan.Quoted,
		},
		Status:                 subscription.Status(m.Status),
		CurrentPeriodStart:     m.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       m.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		CanceledAt:             utcPtr(m.CanceledAt),
		CancelReason:           m.CancelReason,
		CheckoutSessionID:      m.CheckoutSessionID,
		ProviderCustomerID:     m.ProviderCustomerID,
		ProviderSubscriptionID: m.ProviderSubscriptionID,
	}, nil
}

// ==================== Checkout session models ====================

type sessionModel struct {
	ID             string     `bson:"_id"`
	OrganizationID string     `bson:"organization_id"`
	Kind           string     `bson:"kind"`
	Status         string     `bson:"status"`
	PlanCode       string     `bson:"plan_code"`
	BillingPeriod  string     `bson:"billing_period"`
	Credits        int64      `bson:"credits"`
	Amount         moneyModel `bson:"amount"`
	URL            string     `bson:"url"`
	ProcessedAt    *time.Time `bson:"processed_at"`
	CreditsGranted int64      `bson:"credits_granted"`
	Attempts       int        `bson:"attempts"`
	LastError      string     `bson:"last_error"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toSessionModel(s *checkout.Session) *sessionModel {
	return &sessionModel{
		ID:             s.ID,
		OrganizationID: s.OrganizationID,
		Kind:           string(s.Kind),
		Status:         string(s.Status),
		PlanCode:       s.PlanCode,
		BillingPeriod:  string(s.BillingPeriod),
		Credits:        s.Credits,
		Amount:         toMoney(s.Amount),
		URL:            s.URL,
		ProcessedAt:    utcPtr(s.ProcessedAt),
		CreditsGranted: s.CreditsGranted,
		Attempts:       s.Attempts,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
	}
}

func fromSessionModel(m *sessionModel) *checkout.Session {
	return &checkout.Session{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Kind:           checkout.Kind(m.Kind),
		Status:         checkout.Status(m.Status),
		PlanCode:       m.PlanCode,
		BillingPeriod:  pricing.BillingPeriod(m.BillingPeriod),
		Credits:        m.Credits,
		Amount:         m.Amount.money(),
		URL:            m.URL,
		ProcessedAt:    utcPtr(m.ProcessedAt),
		CreditsGranted: m.CreditsGranted,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
	}
}

// ==================== Organization models ====================

type organizationModel struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	BillingEmail string    `bson:"billing_email"`
	IdentityKey  string    `bson:"identity_key"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func fromOrganizationModel(m *organizationModel) *organization.Organization {
	return &organization.Organization{
		Entity:       types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:           m.ID,
		Name:         m.Name,
		BillingEmail: m.BillingEmail,
		IdentityKey:  m.IdentityKey,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
