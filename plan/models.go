// Package plan exposes the subscribable plans and freezes them into
// snapshots at subscribe time.
package plan

import (
	"time"

	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/types"
)

// Plan is a subscribable product backed by a pricing tier. IncludedCredits
// are granted once per credit period.
type Plan struct {
	Code            string `json:"code"`
	Name            string `json:"name"`
	IncludedCredits int64  `json:"included_credits"`
}

// Snapshot is a frozen copy of a plan and its price at subscribe time.
// Later catalog edits never reach an existing subscription.
type Snapshot struct {
	Code            string                `json:"code"`
	Name            string                `json:"name"`
	IncludedCredits int64                 `json:"included_credits"`
	MonthlyPrice    types.Money           `json:"monthly_price"`
	Currency        string                `json:"currency"`
	BillingPeriod   pricing.BillingPeriod `json:"billing_period"`
	// PeriodPrice is what one billing period costs: MonthlyPrice for
	// monthly billing, the discounted annual figure otherwise.
	PeriodPrice types.Money    `json:"period_price"`
	PriceSource pricing.Source `json:"price_source"`
	Quoted      bool           `json:"quoted,omitempty"`
}

// NextPeriodEnd returns the end of the credit period starting at start.
// Credit periods are calendar months whatever the billing period.
func NextPeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// GrantExpiry is when credits granted for the period [start, end) lapse:
// one full period after end.
func GrantExpiry(periodEnd time.Time) time.Time {
	return NextPeriodEnd(periodEnd)
}
