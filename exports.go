package credits

import (
	"github.com/inspect360/credits/balance"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/types"
)

// Re-export common types so callers rarely need the sub-packages.

// Money is re-exported from types package.
type Money = types.Money

// Entry is a ledger entry.
type Entry = entry.Entry

// Balance is a derived credit balance.
type Balance = balance.Result

// CheckoutResult is what Reconcile reports.
type CheckoutResult = checkout.Result

// Re-export Money constructors
var (
	GBP  = types.GBP
	USD  = types.USD
	EUR  = types.EUR
	JPY  = types.JPY
	Zero = types.Zero
)
