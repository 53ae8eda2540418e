// Package credits is an inspection-credit ledger with checkout
// reconciliation, built as a library you embed rather than a service.
//
// It provides:
//
//   - An append-only ledger of grants, consumption, expiry and adjustments
//   - Balances derived from the ledger alone, with FIFO batch consumption
//     and a one-period rollover window for subscription credits
//   - Deterministic tiered pricing with authored and converted currencies
//   - Exactly-once reconciliation of payment checkout sessions, whether the
//     client or the provider webhook confirms first
//   - A read-only report of organizations sharing one billing identity
//
// # Quick Start
//
//	import (
//	    "github.com/inspect360/credits"
//	    "github.com/inspect360/credits/store/postgres"
//	    stripeprovider "github.com/inspect360/credits/provider/stripe"
//	)
//
//	store, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := credits.New(store,
//	    credits.WithProvider(stripeprovider.New(stripeKey)),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Ledger
//
// Nothing in the ledger is updated or deleted. A balance is recomputed from
// the entries on every read:
//
//	bal, err := engine.Balance(ctx, orgID, time.Time{})
//	fmt.Println(bal.Available, bal.Consumed, bal.Expired)
//
// Completing an inspection spends one credit and is safe to repeat:
//
//	_, err := engine.ConsumeInspection(ctx, orgID, inspectionID)
//	if errors.Is(err, credits.ErrInsufficientCredits) {
//	    // block the inspection
//	}
//
// # Checkout
//
// Reconcile is the only way a paid checkout changes the ledger. Call it from
// the success page, from the webhook, or both:
//
//	res, err := engine.Reconcile(ctx, sessionID)
//
// The processed marker is claimed in the same transaction that writes the
// grant, so concurrent callers can never grant twice.
//
// # TypeID
//
// Ledger entries, subscriptions and events use TypeIDs:
//
//	entry_01h2xcejqtf2nbrexx3vqjhp41
//	sub_01h2xcejqtf2nbrexx3vqjhp41
//	evt_01h455vb4pex5vsknk084sn02q
package credits
