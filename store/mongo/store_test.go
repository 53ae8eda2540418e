package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/plan"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/store/storetest"
	"github.com/inspect360/credits/subscription"
	"github.com/inspect360/credits/types"
)

// TestStoreContract needs a replica set, e.g.
// CREDITS_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestStoreContract(t *testing.T) {
	uri := os.Getenv("CREDITS_MONGO_URI")
	if uri == "" {
		t.Skip("CREDITS_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, uri, fmt.Sprintf("credits_test_%d", time.Now().UnixNano()))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.DB().Drop(context.Background())
			_ = s.Close()
		})
		require.NoError(t, s.Migrate(ctx))
		return s
	})
}

func TestEntryModelRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	expires := at.AddDate(0, 2, 0)
	e := &entry.Entry{
		ID:             id.NewEntryID(),
		OrganizationID: "org_1",
		Kind:           entry.KindConsume,
		Quantity:       -1,
		Source:         entry.SourceUsage,
		OccurredAt:     at,
		ExpiresAt:      &expires,
		IdempotencyKey: "inspection:insp_1",
		Reference:      "insp_1",
		CreatedAt:      at,
	}

	m := toEntryModel(e)
	assert.Equal(t, entry.KindConsume.Rank(), m.KindRank)
	assert.Equal(t, time.UTC, m.OccurredAt.Location())

	back, err := fromEntryModel(m)
	require.NoError(t, err)
	assert.Equal(t, e.ID.String(), back.ID.String())
	assert.True(t, back.OccurredAt.Equal(at))
	assert.True(t, back.ExpiresAt.Equal(expires))
	assert.Equal(t, "inspection:insp_1", back.IdempotencyKey)
}

func TestSubscriptionModelKeepsSnapshot(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		ID:             id.NewSubscriptionID(),
		OrganizationID: "org_1",
		Plan: plan.Snapshot{
			Code:            "growth",
			IncludedCredits: 30,
			MonthlyPrice:    types.EUR(15000),
			Currency:        "eur",
			BillingPeriod:   pricing.Annual,
			PeriodPrice:     types.EUR(153000),
			Quoted:          true,
		},
		Status:             subscription.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   plan.NextPeriodEnd(start),
	}

	back, err := fromSubscriptionModel(toSubscriptionModel(sub))
	require.NoError(t, err)
	assert.Equal(t, sub.Plan, back.Plan)
	assert.Nil(t, back.CanceledAt)
}

func TestSessionModelProcessedMarker(t *testing.T) {
	sess := &checkout.Session{ID: "cs_1", Kind: checkout.KindTopup, Amount: types.GBP(30000)}
	m := toSessionModel(sess)
	assert.Nil(t, m.ProcessedAt)
	assert.Equal(t, int64(30000), m.Amount.Amount)
	assert.False(t, fromSessionModel(m).Processed())
}
