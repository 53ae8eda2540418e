package credits_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/notify"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/provider/fake"
	"github.com/inspect360/credits/store/memory"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *credits.Engine
	store    *memory.Store
	provider *fake.Provider
	clock    *clock
}

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...credits.Option) *harness {
	t.Helper()

	h := &harness{
		store:    memory.New(),
		provider: fake.New(),
		clock:    &clock{now: t0},
	}
	opts = append([]credits.Option{
		credits.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		credits.WithProvider(h.provider),
		credits.WithClock(h.clock.Now),
		credits.WithSweepSchedule(""),
	}, opts...)
	h.engine = credits.New(h.store, opts...)
	return h
}

// buy creates a checkout, completes it at the provider and reconciles it.
func (h *harness) buy(t *testing.T, req checkout.Request) *checkout.Result {
	t.Helper()

	if req.SuccessURL == "" {
		req.SuccessURL = "https://app.test/billing/success"
		req.CancelURL = "https://app.test/billing"
	}
	sess, err := h.engine.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	h.provider.Complete(sess.ID)

	res, err := h.engine.Reconcile(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, res.Processed)
	return res
}

func (h *harness) available(t *testing.T, orgID string) int64 {
	t.Helper()
	bal, err := h.engine.Balance(context.Background(), orgID, time.Time{})
	require.NoError(t, err)
	return bal.Available
}

func TestEndToEndRollover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const org = "org_acme"

	h.buy(t, checkout.Request{
		OrganizationID: org,
		Kind:           checkout.KindQuotation,
		Credits:        50,
		QuotedPrice:    &types.Money{Amount: 19900, Currency: "gbp"},
	})
	assert.Equal(t, int64(50), h.available(t, org))

	for i := range 5 {
		h.clock.Advance(time.Minute)
		_, err := h.engine.ConsumeInspection(ctx, org, "insp_"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	bal, err := h.engine.Balance(ctx, org, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(45), bal.Available)
	assert.Equal(t, int64(5), bal.Consumed)

	h.clock.Advance(time.Hour)
	h.buy(t, checkout.Request{OrganizationID: org, Kind: checkout.KindTopup, Credits: 100})
	assert.Equal(t, int64(145), h.available(t, org))

	// Second period: the unused 45 roll over next to the new 50.
	h.clock.Set(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	renewed, err := h.engine.RenewDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)
	assert.Equal(t, int64(195), h.available(t, org))

	// One period later the rolled-over batch lapses even before any sweep.
	h.clock.Set(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	bal, err = h.engine.Balance(ctx, org, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Available)
	assert.Equal(t, int64(45), bal.Expired)

	expired, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	bal, err = h.engine.Balance(ctx, org, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Available)
	assert.Equal(t, int64(45), bal.Expired, "expire entry must not double count")

	expired, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "starter"})
	assert.False(t, first.AlreadyProcessed)
	assert.Equal(t, int64(10), first.CreditsGranted)

	second, err := h.engine.Reconcile(ctx, first.SessionID)
	require.NoError(t, err)
	assert.True(t, second.Processed)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, int64(10), second.CreditsGranted)

	assert.Equal(t, int64(10), h.available(t, "org_a"))

	sub, err := h.engine.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "starter", sub.Plan.Code)
	assert.Equal(t, first.SessionID, sub.CheckoutSessionID)
	assert.NotEmpty(t, sub.ProviderCustomerID)
}

func TestReconcileConcurrentCallersGrantOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.CreateCheckout(ctx, checkout.Request{
		OrganizationID: "org_race",
		Kind:           checkout.KindTopup,
		Credits:        25,
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	})
	require.NoError(t, err)
	h.provider.Complete(sess.ID)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		results []*checkout.Result
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Reconcile(ctx, sess.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if !res.AlreadyProcessed {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	for _, res := range results {
		assert.True(t, res.Processed)
	}
	assert.Equal(t, int64(25), h.available(t, "org_race"))

	entries, err := h.engine.Ledger(ctx, "org_race", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReconcileProviderFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.CreateCheckout(ctx, checkout.Request{
		OrganizationID: "org_a",
		Kind:           checkout.KindTopup,
		Credits:        10,
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	})
	require.NoError(t, err)
	h.provider.Complete(sess.ID)
	h.provider.FailNext(1, errors.New("connection reset"))

	_, err = h.engine.Reconcile(ctx, sess.ID)
	require.ErrorIs(t, err, credits.ErrProviderUnavailable)
	assert.True(t, credits.IsRetryable(err))

	stored, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusFailed, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.Zero(t, h.available(t, "org_a"))

	res, err := h.engine.Reconcile(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, int64(10), h.available(t, "org_a"))
}

// contextStore fails session bookkeeping on a done context, as SQL and
// Mongo drivers do.
type contextStore struct{ *memory.Store }

func (s contextStore) MarkSessionFailed(ctx context.Context, sessionID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkSessionFailed(ctx, sessionID, reason)
}

func TestReconcileRecordsFailureAfterCancel(t *testing.T) {
	st := contextStore{memory.New()}
	fp := fake.New()
	engine := credits.New(st,
		credits.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		credits.WithProvider(fp),
		credits.WithSweepSchedule(""),
	)

	sess, err := engine.CreateCheckout(context.Background(), checkout.Request{
		OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 5,
		SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
	})
	require.NoError(t, err)
	fp.Complete(sess.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Reconcile(ctx, sess.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, credits.IsRetryable(err))

	stored, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, context.Canceled.Error())
	assert.False(t, stored.Processed())
}

func TestReconcileOpenAndExpiredSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open, err := h.engine.CreateCheckout(ctx, checkout.Request{
		OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 5,
		SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
	})
	require.NoError(t, err)

	res, err := h.engine.Reconcile(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, checkout.StatusProcessing, res.Status)

	h.provider.Expire(open.ID)
	res, err = h.engine.Reconcile(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, checkout.StatusExpired, res.Status)
	assert.Zero(t, h.available(t, "org_a"))
}

func TestReconcileWaitsForDelayedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.CreateCheckout(ctx, checkout.Request{
		OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 100,
		SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
	})
	require.NoError(t, err)

	h.provider.CompleteUnpaid(sess.ID)
	for range 2 {
		res, err := h.engine.Reconcile(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.False(t, res.AlreadyProcessed)
		assert.Equal(t, checkout.StatusProcessing, res.Status)
	}
	assert.Zero(t, h.available(t, "org_a"))

	stored, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed())
	assert.Equal(t, checkout.StatusProcessing, stored.Status)

	// Funds settle.
	h.provider.Complete(sess.ID)
	res, err := h.engine.Reconcile(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, int64(100), res.CreditsGranted)
	assert.Equal(t, int64(100), h.available(t, "org_a"))
}

func TestReconcileAdoptedUnpaidSessionGrantsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.Put(&checkout.ProviderSession{
		ID:     "cs_sepa",
		Status: checkout.ProviderComplete,
		Paid:   false,
		Amount: types.GBP(30000),
		Metadata: map[string]string{
			checkout.MetaOrganizationID: "org_ext",
			checkout.MetaKind:           string(checkout.KindTopup),
			checkout.MetaCredits:        "100",
		},
	})

	res, err := h.engine.Reconcile(ctx, "cs_sepa")
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Zero(t, res.CreditsGranted)
	assert.Zero(t, h.available(t, "org_ext"))
}

func TestReconcileUnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Reconcile(ctx, "cs_missing")
	assert.ErrorIs(t, err, credits.ErrSessionNotFound)
	assert.True(t, credits.IsNotFound(err))

	// Known to the provider without local metadata about the organization.
	h.provider.Put(&checkout.ProviderSession{ID: "cs_anonymous", Status: checkout.ProviderComplete})
	_, err = h.engine.Reconcile(ctx, "cs_anonymous")
	assert.ErrorIs(t, err, credits.ErrSessionNotFound)

	_, err = h.engine.Reconcile(ctx, "")
	assert.True(t, credits.IsValidation(err))
}

func TestReconcileAdoptsSessionFromProviderMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.Put(&checkout.ProviderSession{
		ID:     "cs_external",
		Status: checkout.ProviderComplete,
		Paid:   true,
		Amount: types.GBP(3500),
		Metadata: map[string]string{
			checkout.MetaOrganizationID: "org_ext",
			checkout.MetaKind:           string(checkout.KindTopup),
			checkout.MetaCredits:        "10",
		},
	})

	res, err := h.engine.Reconcile(ctx, "cs_external")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, int64(10), res.CreditsGranted)
	assert.Equal(t, int64(10), h.available(t, "org_ext"))
}

func TestAwaitSession(t *testing.T) {
	fast := credits.PollConfig{Attempts: 3, Interval: time.Millisecond}

	t.Run("retries provider outages", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.engine.CreateCheckout(context.Background(), checkout.Request{
			OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 3,
			SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
		})
		require.NoError(t, err)
		h.provider.Complete(sess.ID)
		h.provider.FailNext(2, nil)

		res, err := h.engine.AwaitSession(context.Background(), sess.ID, fast)
		require.NoError(t, err)
		assert.True(t, res.Processed)
		assert.Equal(t, 3, h.provider.Fetches())
	})

	t.Run("gives up while still open", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.engine.CreateCheckout(context.Background(), checkout.Request{
			OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 3,
			SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
		})
		require.NoError(t, err)

		res, err := h.engine.AwaitSession(context.Background(), sess.ID, fast)
		assert.ErrorIs(t, err, credits.ErrStillProcessing)
		require.NotNil(t, res)
		assert.False(t, res.Processed)
		assert.Equal(t, 3, h.provider.Fetches())
	})

	t.Run("never retries not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.AwaitSession(context.Background(), "cs_missing", fast)
		assert.ErrorIs(t, err, credits.ErrSessionNotFound)
		assert.Equal(t, 1, h.provider.Fetches())
	})

	t.Run("stops on cancel", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.engine.CreateCheckout(context.Background(), checkout.Request{
			OrganizationID: "org_a", Kind: checkout.KindTopup, Credits: 3,
			SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel",
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.engine.AwaitSession(ctx, sess.ID, credits.PollConfig{Attempts: 5, Interval: time.Hour})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConsumeInspection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ConsumeInspection(ctx, "org_a", "insp_1")
	var insufficient *credits.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Available)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	_, err = h.engine.GrantCredits(ctx, credits.GrantRequest{OrganizationID: "org_a", Quantity: 1})
	require.NoError(t, err)

	first, err := h.engine.ConsumeInspection(ctx, "org_a", "insp_1")
	require.NoError(t, err)
	again, err := h.engine.ConsumeInspection(ctx, "org_a", "insp_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Zero(t, h.available(t, "org_a"))

	_, err = h.engine.ConsumeInspection(ctx, "org_a", "")
	assert.True(t, credits.IsValidation(err))
}

func TestConsumeInspectionConcurrentCallersNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.GrantCredits(ctx, credits.GrantRequest{OrganizationID: "org_a", Quantity: 1})
	require.NoError(t, err)

	const workers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		spent        int
		insufficient int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ConsumeInspection(ctx, "org_a", fmt.Sprintf("insp_%d", i))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				spent++
			case errors.Is(err, credits.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, spent)
	assert.Equal(t, workers-1, insufficient)

	bal, err := h.engine.Balance(ctx, "org_a", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
	assert.Zero(t, bal.Overdraft)
}

func TestAppend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("rejects malformed entries", func(t *testing.T) {
		tests := []struct {
			name  string
			entry entry.Entry
			field string
		}{
			{"zero quantity", entry.Entry{OrganizationID: "o", Kind: entry.KindGrant, Source: entry.SourceManual}, "quantity"},
			{"unknown kind", entry.Entry{OrganizationID: "o", Kind: "gift", Quantity: 1, Source: entry.SourceManual}, "kind"},
			{"unknown source", entry.Entry{OrganizationID: "o", Kind: entry.KindGrant, Quantity: 1, Source: "bonus"}, "source"},
			{"positive consume", entry.Entry{OrganizationID: "o", Kind: entry.KindConsume, Quantity: 1, Source: entry.SourceUsage}, "quantity"},
			{"missing organization", entry.Entry{Kind: entry.KindGrant, Quantity: 1, Source: entry.SourceManual}, "organization_id"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				e := tt.entry
				_, err := h.engine.Append(ctx, &e)
				var ve credits.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.field, ve.Field)
			})
		}
	})

	t.Run("idempotency key returns the stored entry", func(t *testing.T) {
		first, err := h.engine.Adjust(ctx, "org_adj", 4, "goodwill", "ticket:42")
		require.NoError(t, err)
		second, err := h.engine.Adjust(ctx, "org_adj", 4, "goodwill", "ticket:42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int64(4), h.available(t, "org_adj"))
	})

	t.Run("ledger is newest first", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		latest, err := h.engine.Adjust(ctx, "org_adj", -1, "correction", "")
		require.NoError(t, err)

		entries, err := h.engine.Ledger(ctx, "org_adj", 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, latest.ID, entries[0].ID)
	})
}

func TestAggregateCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, o := range []*organization.Organization{
		{ID: "org_b", Name: "Branch", BillingEmail: " Owner@Example.com"},
		{ID: "org_a", Name: "Head office", BillingEmail: "owner@example.com "},
		{ID: "org_c", Name: "Unrelated", BillingEmail: "someone@else.test"},
	} {
		require.NoError(t, h.engine.RegisterOrganization(ctx, o))
	}
	_, err := h.engine.GrantCredits(ctx, credits.GrantRequest{OrganizationID: "org_a", Quantity: 10})
	require.NoError(t, err)
	_, err = h.engine.GrantCredits(ctx, credits.GrantRequest{OrganizationID: "org_b", Quantity: 5})
	require.NoError(t, err)
	_, err = h.engine.GrantCredits(ctx, credits.GrantRequest{OrganizationID: "org_c", Quantity: 7})
	require.NoError(t, err)

	agg, err := h.engine.AggregateCredits(ctx, "OWNER@example.com")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", agg.IdentityKey)
	assert.Equal(t, int64(15), agg.Total)
	assert.True(t, agg.HasDuplicates)
	require.Len(t, agg.Organizations, 2)
	assert.Equal(t, "org_a", agg.Organizations[0].OrganizationID)
	assert.Equal(t, int64(10), agg.Organizations[0].Credits)
	assert.Equal(t, "org_b", agg.Organizations[1].OrganizationID)

	single, err := h.engine.AggregateCredits(ctx, "someone@else.test")
	require.NoError(t, err)
	assert.False(t, single.HasDuplicates)

	_, err = h.engine.AggregateCredits(ctx, "  ")
	assert.True(t, credits.IsValidation(err))
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("at period end", func(t *testing.T) {
		h := newHarness(t)
		h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "growth"})

		c, err := h.engine.CancelSubscription(ctx, "org_a", credits.CancelRequest{Reason: "too expensive"})
		require.NoError(t, err)
		assert.False(t, c.CancelledImmediately)
		assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), c.CurrentPeriodEnd)

		h.clock.Set(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
		changed, err := h.engine.RenewDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		sub, err := h.engine.GetSubscription(ctx, "org_a")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		assert.Equal(t, int64(30), h.available(t, "org_a"), "no renewal grant after cancel")
	})

	t.Run("immediately", func(t *testing.T) {
		h := newHarness(t)
		h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "starter"})
		h.clock.Advance(time.Hour)

		c, err := h.engine.CancelSubscription(ctx, "org_a", credits.CancelRequest{CancelImmediately: true})
		require.NoError(t, err)
		assert.True(t, c.CancelledImmediately)
		assert.Equal(t, h.clock.Now(), c.CurrentPeriodEnd)
		assert.Equal(t, int64(10), h.available(t, "org_a"), "granted credits survive cancellation")

		_, err = h.engine.CancelSubscription(ctx, "org_a", credits.CancelRequest{CancelImmediately: true})
		assert.ErrorIs(t, err, credits.ErrSubscriptionCanceled)
	})

	t.Run("no subscription", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.CancelSubscription(ctx, "org_none", credits.CancelRequest{})
		assert.ErrorIs(t, err, credits.ErrSubscriptionNotFound)
	})
}

func TestRenewDueCatchesUpMissedPeriodsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "starter"})

	h.clock.Set(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	changed, err := h.engine.RenewDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = h.engine.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	sub, err := h.engine.GetSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), sub.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	// Jan grant lapsed on Mar 1; Feb and Mar grants remain.
	assert.Equal(t, int64(20), h.available(t, "org_a"))
}

func TestOpenBillingPortal(t *testing.T) {
	h := newHarness(t, credits.WithPortalReturnURL("https://app.test/billing"))
	ctx := context.Background()

	_, err := h.engine.OpenBillingPortal(ctx, "org_a", "")
	assert.ErrorIs(t, err, credits.ErrCustomerNotLinked)

	h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "starter"})
	url, err := h.engine.OpenBillingPortal(ctx, "org_a", "")
	require.NoError(t, err)
	assert.Contains(t, url, "https://billing.fake.test/cus_fake_")
	assert.Contains(t, url, "app.test")
}

func TestCreateCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := checkout.Request{
		OrganizationID: "org_a",
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	}

	tests := []struct {
		name   string
		mutate func(*checkout.Request)
		field  string
	}{
		{"unknown kind", func(r *checkout.Request) { r.Kind = "gift" }, "kind"},
		{"unknown plan", func(r *checkout.Request) { r.Kind = checkout.KindSubscription; r.PlanCode = "platinum" }, "plan"},
		{"zero top-up", func(r *checkout.Request) { r.Kind = checkout.KindTopup }, "usageUnits"},
		{"quotation without price", func(r *checkout.Request) { r.Kind = checkout.KindQuotation; r.Credits = 40 }, "quoted_price"},
		{"unsupported currency", func(r *checkout.Request) {
			r.Kind = checkout.KindSubscription
			r.PlanCode = "starter"
			r.Currency = "chf"
		}, "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := h.engine.CreateCheckout(ctx, req)
			var ve credits.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	noProvider := credits.New(memory.New(), credits.WithSweepSchedule(""))
	_, err := noProvider.CreateCheckout(ctx, base)
	assert.ErrorIs(t, err, credits.ErrProviderNotConfigured)
}

func TestCreateCheckoutPricesSubscriptionInCurrency(t *testing.T) {
	h := newHarness(t)

	sess, err := h.engine.CreateCheckout(context.Background(), checkout.Request{
		OrganizationID: "org_a",
		Kind:           checkout.KindSubscription,
		PlanCode:       "starter",
		Currency:       "EUR",
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EUR(5733), sess.Amount)
	assert.Equal(t, int64(10), sess.Credits)
	assert.Equal(t, checkout.StatusOpen, sess.Status)
}

type recordingPlugin struct {
	mu         sync.Mutex
	appended   int
	reconciled int
	activated  int
	changed    []string
}

func (p *recordingPlugin) Name() string { return "recorder" }

func (p *recordingPlugin) OnEntryAppended(context.Context, *entry.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended++
	return nil
}

func (p *recordingPlugin) OnSessionReconciled(context.Context, *checkout.Session, *checkout.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciled++
	return nil
}

func (p *recordingPlugin) OnSubscriptionActivated(context.Context, *subscription.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated++
	return nil
}

func (p *recordingPlugin) OnLedgerChanged(_ context.Context, _, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, reason)
	return nil
}

func TestReconcileEmitsHooksAndNotification(t *testing.T) {
	rec := &recordingPlugin{}
	broker := notify.NewBroker(8)
	events, cancel := broker.Subscribe("org_a")
	defer cancel()

	h := newHarness(t, credits.WithPlugin(rec), credits.WithPublisher(broker))
	res := h.buy(t, checkout.Request{OrganizationID: "org_a", Kind: checkout.KindSubscription, PlanCode: "starter"})

	_, err := h.engine.Reconcile(context.Background(), res.SessionID)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.appended)
	assert.Equal(t, 2, rec.reconciled, "already-processed calls are reported too")
	assert.Equal(t, 1, rec.activated)
	assert.Equal(t, []string{notify.ReasonCheckout}, rec.changed)

	select {
	case ev := <-events:
		assert.Equal(t, notify.ReasonCheckout, ev.Reason)
	default:
		t.Fatal("expected a ledger-changed event")
	}
}
