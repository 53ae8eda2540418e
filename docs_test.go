package credits_test

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"testing"
	"time"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/provider/fake"
	"github.com/inspect360/credits/store/memory"
	"github.com/inspect360/credits/types"
)

// TestDocumentationExamples verifies that the package documentation examples work
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()
		provider := fake.New()

		engine := credits.New(store,
			credits.WithLogger(slog.Default()),
			credits.WithProvider(provider),
			credits.WithProviderTimeout(5*time.Second),
			credits.WithSweepSchedule("@every 1h"),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		// Start a subscription checkout and send the user to sess.URL
		sess, err := engine.CreateCheckout(ctx, checkout.Request{
			OrganizationID: "org_123",
			Kind:           checkout.KindSubscription,
			PlanCode:       "growth",
			SuccessURL:     "https://app.example.com/billing/success",
			CancelURL:      "https://app.example.com/billing",
		})
		if err != nil {
			t.Fatal(err)
		}

		// The customer pays...
		provider.Complete(sess.ID)

		// ...and the success page confirms
		res, err := engine.Reconcile(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("granted %d credits\n", res.CreditsGranted)

		// Spend a credit per inspection
		if _, err := engine.ConsumeInspection(ctx, "org_123", "insp_1"); errors.Is(err, credits.ErrInsufficientCredits) {
			t.Fatal("expected credits after checkout")
		}

		bal, err := engine.Balance(ctx, "org_123", time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if bal.Available != 29 {
			t.Fatalf("available = %d, want 29", bal.Available)
		}
	})

	t.Run("PricingExample", func(t *testing.T) {
		engine := credits.New(memory.New())

		quote, err := engine.Price(pricing.Request{
			UsageUnits:    35,
			Currency:      "gbp",
			BillingPeriod: pricing.Monthly,
			Modules:       []string{"compliance"},
		})
		if err != nil {
			t.Fatal(err)
		}
		// growth £129 + 5 overage × £3 + compliance £29
		if quote.Total != types.GBP(17300) {
			t.Fatalf("total = %s, want £173.00", quote.Total)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.GBP(4900)   // £49.00
		_ = types.EUR(5733)   // €57.33
		_ = types.Zero("jpy") // ¥0

		// Arithmetic
		m1 := types.GBP(100)
		m2 := types.GBP(250)
		_ = m1.Add(m2)     // £3.50
		_ = m1.Multiply(3) // £3.00

		// Formatting
		_ = m1.String()      // "£1.00"
		_ = m1.FormatMajor() // "1.00"
	})
}
