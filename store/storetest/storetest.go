// Package storetest is a behavioral suite every store.Store backend must
// pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

// Factory returns an empty, migrated store.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite against fresh stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EntryOrdering", func(t *testing.T) { testEntryOrdering(t, newStore(t)) })
	t.Run("EntryPaging", func(t *testing.T) { testEntryPaging(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("ExpiringGrants", func(t *testing.T) { testExpiringGrants(t, newStore(t)) })
	t.Run("Debits", func(t *testing.T) { testDebits(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("CompleteSessionRollsBack", func(t *testing.T) { testCompleteRollback(t, newStore(t)) })
	t.Run("CompleteSessionOnce", func(t *testing.T) { testCompleteOnce(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("Renewal", func(t *testing.T) { testRenewal(t, newStore(t)) })
	t.Run("Organizations", func(t *testing.T) { testOrganizations(t, newStore(t)) })
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

func newEntry(orgID string, kind entry.Kind, qty int64, at time.Time) *entry.Entry {
	src := entry.SourceManual
	switch kind {
	case entry.KindConsume:
		src = entry.SourceUsage
	case entry.KindGrant:
		src = entry.SourceTopup
	}
	return &entry.Entry{
		ID:             id.NewEntryID(),
		OrganizationID: orgID,
		Kind:           kind,
		Quantity:       qty,
		Source:         src,
		OccurredAt:     at,
		CreatedAt:      at,
	}
}

func expiringGrant(orgID string, qty int64, at, expires time.Time) *entry.Entry {
	e := newEntry(orgID, entry.KindGrant, qty, at)
	e.Source = entry.SourceSubscription
	e.ExpiresAt = &expires
	return e
}

func newSession(sessionID, orgID string) *checkout.Session {
	return &checkout.Session{
		Entity:         types.Entity{CreatedAt: base, UpdatedAt: base},
		ID:             sessionID,
		OrganizationID: orgID,
		Kind:           checkout.KindSubscription,
		Status:         checkout.StatusOpen,
		PlanCode:       "starter",
		BillingPeriod:  pricing.Monthly,
		Credits:        10,
		Amount:         types.GBP(4900),
		URL:            "https://pay.example.test/" + sessionID,
	}
}

func newSubscription(orgID string, start time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:         types.Entity{CreatedAt: start, UpdatedAt: start},
		ID:             id.NewSubscriptionID(),
		OrganizationID: orgID,
		Plan: plan.Snapshot{
			Code:            "starter",
			Name:            "Starter",
			IncludedCredits: 10,
			MonthlyPrice:    types.GBP(4900),
			Currency:        "gbp",
			BillingPeriod:   pricing.Monthly,
			PeriodPrice:     types.GBP(4900),
		},
		Status:             subscription.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   plan.NextPeriodEnd(start),
		ProviderCustomerID: "cus_1",
	}
}

func completion(sess *checkout.Session, at time.Time) *checkout.Effect {
	sub := newSubscription(sess.OrganizationID, at)
	sub.CheckoutSessionID = sess.ID
	g := expiringGrant(sess.OrganizationID, sess.Credits, at, plan.GrantExpiry(sub.CurrentPeriodEnd))
	g.IdempotencyKey = "checkout:" + sess.ID
	return &checkout.Effect{
		SessionID:    sess.ID,
		ProcessedAt:  at,
		Grant:        g,
		Subscription: sub,
	}
}

func kinds(entries []*entry.Entry) []entry.Kind {
	out := make([]entry.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// ──────────────────────────────────────────────────
// Ledger entries
// ──────────────────────────────────────────────────

func testEntryOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := base.Add(time.Hour)

	// Inserted out of canonical order on purpose.
	for _, e := range []*entry.Entry{
		newEntry("org_a", entry.KindExpire, -1, at),
		newEntry("org_a", entry.KindConsume, -1, at),
		newEntry("org_a", entry.KindAdjustment, 2, at),
		newEntry("org_a", entry.KindGrant, 5, at),
		newEntry("org_a", entry.KindGrant, 5, base),
		newEntry("org_b", entry.KindGrant, 7, base),
	} {
		require.NoError(t, s.AppendEntry(ctx, e))
	}

	got, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, []entry.Kind{
		entry.KindGrant, entry.KindGrant, entry.KindAdjustment, entry.KindConsume, entry.KindExpire,
	}, kinds(got))
	assert.True(t, got[0].OccurredAt.Equal(base))

	since := at
	got, err = s.ListEntries(ctx, "org_a", entry.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 4)

	until := base
	got, err = s.ListEntries(ctx, "org_a", entry.ListOpts{Until: &until})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].Quantity)

	got, err = s.ListEntries(ctx, "org_missing", entry.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testEntryPaging(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := range 7 {
		require.NoError(t, s.AppendEntry(ctx, newEntry("org_a", entry.KindGrant, int64(i+1), base.Add(time.Duration(i)*time.Minute))))
	}

	first, err := s.ListEntries(ctx, "org_a", entry.ListOpts{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, int64(1), first[0].Quantity)

	rest, err := s.ListEntries(ctx, "org_a", entry.ListOpts{Limit: 3, Offset: 6})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(7), rest[0].Quantity)

	none, err := s.ListEntries(ctx, "org_a", entry.ListOpts{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := newEntry("org_a", entry.KindConsume, -1, base)
	first.IdempotencyKey = "inspection:insp_1"
	first.Reference = "insp_1"
	require.NoError(t, s.AppendEntry(ctx, first))

	dup := newEntry("org_a", entry.KindConsume, -1, base)
	dup.IdempotencyKey = "inspection:insp_1"
	assert.ErrorIs(t, s.AppendEntry(ctx, dup), credits.ErrDuplicateEntry)

	// Keys are scoped to the organization.
	other := newEntry("org_b", entry.KindConsume, -1, base)
	other.IdempotencyKey = "inspection:insp_1"
	require.NoError(t, s.AppendEntry(ctx, other))

	// Entries without a key never collide.
	require.NoError(t, s.AppendEntry(ctx, newEntry("org_a", entry.KindAdjustment, 1, base)))
	require.NoError(t, s.AppendEntry(ctx, newEntry("org_a", entry.KindAdjustment, 1, base)))

	got, err := s.GetEntryByIdempotencyKey(ctx, "org_a", "inspection:insp_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID.String(), got.ID.String())
	assert.Equal(t, "insp_1", got.Reference)
	assert.Equal(t, entry.SourceUsage, got.Source)

	_, err = s.GetEntryByIdempotencyKey(ctx, "org_a", "inspection:insp_2")
	assert.ErrorIs(t, err, credits.ErrEntryNotFound)
}

func consumption(orgID, key string, at time.Time) *entry.Entry {
	e := newEntry(orgID, entry.KindConsume, -1, at)
	e.IdempotencyKey = key
	return e
}

func testDebits(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.AppendDebit(ctx, consumption("org_a", "inspection:1", base))
	var insufficient *credits.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.Requested)
	assert.Equal(t, int64(0), insufficient.Available)

	require.NoError(t, s.AppendEntry(ctx, newEntry("org_a", entry.KindGrant, 1, base)))
	require.NoError(t, s.AppendDebit(ctx, consumption("org_a", "inspection:1", base.Add(time.Minute))))

	// The key is checked before the balance.
	err = s.AppendDebit(ctx, consumption("org_a", "inspection:1", base.Add(2*time.Minute)))
	assert.ErrorIs(t, err, credits.ErrDuplicateEntry)

	err = s.AppendDebit(ctx, consumption("org_a", "inspection:2", base.Add(2*time.Minute)))
	require.ErrorAs(t, err, &insufficient)

	// Other organizations are unaffected.
	require.NoError(t, s.AppendEntry(ctx, newEntry("org_b", entry.KindGrant, 1, base)))
	require.NoError(t, s.AppendDebit(ctx, consumption("org_b", "inspection:1", base.Add(time.Minute))))

	entries, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, []entry.Kind{entry.KindGrant, entry.KindConsume}, kinds(entries))
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	const (
		credit  = 3
		workers = 10
	)
	require.NoError(t, s.AppendEntry(ctx, newEntry("org_a", entry.KindGrant, credit, base)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		spent    int
		rejected int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AppendDebit(ctx, consumption("org_a", fmt.Sprintf("inspection:%d", i), base.Add(time.Minute)))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				spent++
			case errors.Is(err, credits.ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, credit, spent)
	assert.Equal(t, workers-credit, rejected)

	entries, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1+credit)
}

func testExpiringGrants(t *testing.T, s store.Store) {
	ctx := context.Background()
	mar1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	early := expiringGrant("org_a", 10, base, mar1.Add(-time.Hour))
	inWindow := expiringGrant("org_b", 10, base, mar1)
	atEnd := expiringGrant("org_a", 10, base, mar1.Add(24*time.Hour))
	forever := newEntry("org_a", entry.KindGrant, 10, base)

	for _, e := range []*entry.Entry{early, inWindow, atEnd, forever} {
		require.NoError(t, s.AppendEntry(ctx, e))
	}

	got, err := s.ListExpiringGrants(ctx, mar1, mar1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inWindow.ID.String(), got[0].ID.String())
	require.NotNil(t, got[0].ExpiresAt)
	assert.True(t, got[0].ExpiresAt.Equal(mar1))
}

// ──────────────────────────────────────────────────
// Checkout sessions
// ──────────────────────────────────────────────────

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession("cs_1", "org_a")

	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), credits.ErrAlreadyExists)

	_, err := s.GetSession(ctx, "cs_missing")
	assert.ErrorIs(t, err, credits.ErrSessionNotFound)
	assert.ErrorIs(t, s.MarkSessionProcessing(ctx, "cs_missing"), credits.ErrSessionNotFound)

	require.NoError(t, s.MarkSessionProcessing(ctx, "cs_1"))
	require.NoError(t, s.MarkSessionFailed(ctx, "cs_1", "provider unavailable"))
	require.NoError(t, s.MarkSessionProcessing(ctx, "cs_1"))

	got, err := s.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "provider unavailable", got.LastError)
	assert.Equal(t, types.GBP(4900), got.Amount)
	assert.Equal(t, pricing.Monthly, got.BillingPeriod)
	assert.False(t, got.Processed())

	eff := completion(sess, base.Add(time.Minute))
	require.NoError(t, s.CompleteSession(ctx, eff))

	got, err = s.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, got.Processed())
	assert.Equal(t, checkout.StatusCompleted, got.Status)
	assert.Equal(t, int64(10), got.CreditsGranted)
	assert.Empty(t, got.LastError)

	assert.ErrorIs(t, s.CompleteSession(ctx, eff), credits.ErrAlreadyProcessed)
	assert.ErrorIs(t, s.MarkSessionProcessing(ctx, "cs_1"), credits.ErrAlreadyProcessed)
	assert.ErrorIs(t, s.MarkSessionExpired(ctx, "cs_1"), credits.ErrAlreadyProcessed)

	entries, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkout:cs_1", entries[0].IdempotencyKey)

	sub, err := s.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sub.CheckoutSessionID)
	assert.Equal(t, "starter", sub.Plan.Code)
	assert.Equal(t, types.GBP(4900), sub.Plan.PeriodPrice)

	expired := newSession("cs_2", "org_a")
	require.NoError(t, s.CreateSession(ctx, expired))
	require.NoError(t, s.MarkSessionExpired(ctx, "cs_2"))
	got, err = s.GetSession(ctx, "cs_2")
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusExpired, got.Status)
}

func testCompleteRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession("cs_1", "org_a")
	require.NoError(t, s.CreateSession(ctx, sess))

	eff := completion(sess, base)
	taken := newEntry("org_a", entry.KindGrant, 1, base)
	taken.IdempotencyKey = eff.Grant.IdempotencyKey
	require.NoError(t, s.AppendEntry(ctx, taken))

	assert.ErrorIs(t, s.CompleteSession(ctx, eff), credits.ErrDuplicateEntry)

	got, err := s.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.False(t, got.Processed())

	_, err = s.GetSubscription(ctx, "org_a")
	assert.ErrorIs(t, err, credits.ErrSubscriptionNotFound)
}

func testCompleteOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := newSession("cs_1", "org_a")
	require.NoError(t, s.CreateSession(ctx, sess))

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eff := completion(sess, base)
			eff.Grant.Notes = fmt.Sprintf("worker %d", i)
			err := s.CompleteSession(ctx, eff)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errorIsAny(err, credits.ErrAlreadyProcessed, credits.ErrDuplicateEntry):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, rejected)

	entries, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func testSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "org_a")
	assert.ErrorIs(t, err, credits.ErrSubscriptionNotFound)

	first := newSession("cs_1", "org_a")
	require.NoError(t, s.CreateSession(ctx, first))
	require.NoError(t, s.CompleteSession(ctx, completion(first, base)))

	// A second subscription checkout replaces the record.
	second := newSession("cs_2", "org_a")
	require.NoError(t, s.CreateSession(ctx, second))
	eff := completion(second, base.Add(48*time.Hour))
	eff.Subscription.Plan.Code = "growth"
	require.NoError(t, s.CompleteSession(ctx, eff))

	sub, err := s.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, eff.Subscription.ID.String(), sub.ID.String())
	assert.Equal(t, "growth", sub.Plan.Code)
	assert.True(t, sub.CurrentPeriodStart.Equal(base.Add(48*time.Hour)))

	canceledAt := base.Add(72 * time.Hour)
	sub.CancelAtPeriodEnd = true
	sub.CancelReason = "too expensive"
	sub.CanceledAt = &canceledAt
	sub.UpdatedAt = canceledAt
	require.NoError(t, s.UpdateCancellation(ctx, sub))

	got, err := s.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, "too expensive", got.CancelReason)
	require.NotNil(t, got.CanceledAt)
	assert.True(t, got.CanceledAt.Equal(canceledAt))

	stranger := newSubscription("org_z", base)
	assert.ErrorIs(t, s.UpdateCancellation(ctx, stranger), credits.ErrSubscriptionNotFound)

	// Only renewable subscriptions whose period has ended are due.
	canceled := newSession("cs_3", "org_c")
	require.NoError(t, s.CreateSession(ctx, canceled))
	ceff := completion(canceled, base)
	ceff.Subscription.Status = subscription.StatusCanceled
	require.NoError(t, s.CompleteSession(ctx, ceff))

	// Unpaid renewals are not granted again.
	pastDue := newSession("cs_4", "org_d")
	require.NoError(t, s.CreateSession(ctx, pastDue))
	peff := completion(pastDue, base)
	peff.Subscription.Status = subscription.StatusPastDue
	require.NoError(t, s.CompleteSession(ctx, peff))

	due, err := s.ListDueSubscriptions(ctx, plan.NextPeriodEnd(base), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueSubscriptions(ctx, plan.NextPeriodEnd(base.Add(48*time.Hour)), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "org_a", due[0].OrganizationID)
}

func testRenewal(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess := newSession("cs_1", "org_a")
	require.NoError(t, s.CreateSession(ctx, sess))
	eff := completion(sess, base)
	require.NoError(t, s.CompleteSession(ctx, eff))

	sub := eff.Subscription
	prevEnd := sub.CurrentPeriodEnd
	next := *sub
	next.CurrentPeriodStart = prevEnd
	next.CurrentPeriodEnd = plan.NextPeriodEnd(prevEnd)
	next.UpdatedAt = prevEnd

	g := expiringGrant("org_a", 10, prevEnd, plan.GrantExpiry(next.CurrentPeriodEnd))
	g.IdempotencyKey = "renewal:" + sub.ID.String() + ":" + prevEnd.Format(time.RFC3339)
	require.NoError(t, s.RenewSubscription(ctx, &next, prevEnd, g))

	got, err := s.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.True(t, got.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd))

	// A second renewal from the same observed period loses.
	again := expiringGrant("org_a", 10, prevEnd, plan.GrantExpiry(next.CurrentPeriodEnd))
	assert.ErrorIs(t, s.RenewSubscription(ctx, &next, prevEnd, again), credits.ErrConflict)

	entries, err := s.ListEntries(ctx, "org_a", entry.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	missing := newSubscription("org_z", base)
	assert.ErrorIs(t, s.RenewSubscription(ctx, missing, missing.CurrentPeriodEnd, nil), credits.ErrSubscriptionNotFound)
}

// ──────────────────────────────────────────────────
// Organizations
// ──────────────────────────────────────────────────

func testOrganizations(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetOrganization(ctx, "org_a")
	assert.ErrorIs(t, err, credits.ErrOrganizationNotFound)

	for _, o := range []*organization.Organization{
		{ID: "org_b", Name: "Beta", BillingEmail: "ops@acme.test", IdentityKey: "ops@acme.test"},
		{ID: "org_a", Name: "Alpha", BillingEmail: "ops@acme.test", IdentityKey: "ops@acme.test"},
		{ID: "org_c", Name: "Other", BillingEmail: "x@other.test", IdentityKey: "x@other.test"},
	} {
		o.Entity = types.Entity{CreatedAt: base, UpdatedAt: base}
		require.NoError(t, s.UpsertOrganization(ctx, o))
	}

	renamed := &organization.Organization{
		Entity:       types.Entity{CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)},
		ID:           "org_a",
		Name:         "Alpha Ltd",
		BillingEmail: "ops@acme.test",
		IdentityKey:  "ops@acme.test",
	}
	require.NoError(t, s.UpsertOrganization(ctx, renamed))

	got, err := s.GetOrganization(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha Ltd", got.Name)
	assert.True(t, got.CreatedAt.Equal(base))

	members, err := s.ListOrganizationsByIdentity(ctx, "ops@acme.test")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "org_a", members[0].ID)
	assert.Equal(t, "org_b", members[1].ID)

	none, err := s.ListOrganizationsByIdentity(ctx, "nobody@nowhere.test")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
