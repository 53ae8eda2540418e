package plan

import (
	"fmt"

	"github.com/inspect360/credits/pricing"
	"github.com/inspect360/credits/types"
)

// Catalog lists plans derived from a pricing catalog's tiers.
type Catalog struct {
	pricing *pricing.Catalog
}

func NewCatalog(pc *pricing.Catalog) *Catalog {
	return &Catalog{pricing: pc}
}

// List returns plans in ascending credit order.
func (c *Catalog) List() []Plan {
	tiers := c.pricing.Tiers()
	plans := make([]Plan, len(tiers))
	for i, t := range tiers {
		plans[i] = fromTier(t)
	}
	return plans
}

// Get returns the plan for code or pricing.ErrUnknownTier.
func (c *Catalog) Get(code string) (Plan, error) {
	t, err := c.pricing.Tier(code)
	if err != nil {
		return Plan{}, err
	}
	return fromTier(t), nil
}

// Snapshot freezes plan code at its current price in currency.
func (c *Catalog) Snapshot(code, currency string, period pricing.BillingPeriod) (Snapshot, error) {
	p, err := c.Get(code)
	if err != nil {
		return Snapshot{}, err
	}

	monthly, err := c.pricing.Price(pricing.Request{
		UsageUnits:    p.IncludedCredits,
		Currency:      currency,
		BillingPeriod: pricing.Monthly,
	})
	if err != nil {
		return Snapshot{}, err
	}
	if monthly.Tier != p.Code {
		return Snapshot{}, fmt.Errorf("plan: %s priced as tier %s", p.Code, monthly.Tier)
	}

	perPeriod := monthly
	if period == pricing.Annual {
		if perPeriod, err = c.pricing.Price(pricing.Request{
			UsageUnits:    p.IncludedCredits,
			Currency:      currency,
			BillingPeriod: pricing.Annual,
		}); err != nil {
			return Snapshot{}, err
		}
	} else {
		period = pricing.Monthly
	}

	return Snapshot{
		Code:            p.Code,
		Name:            p.Name,
		IncludedCredits: p.IncludedCredits,
		MonthlyPrice:    monthly.TierPrice.Amount,
		Currency:        monthly.Currency,
		BillingPeriod:   period,
		PeriodPrice:     perPeriod.TierPrice.Amount,
		PriceSource:     monthly.TierPrice.Source,
	}, nil
}

// QuotationCode marks snapshots built from a negotiated quote.
const QuotationCode = "quotation"

// Quote builds a snapshot for a negotiated volume and price.
func Quote(name string, credits int64, price types.Money) Snapshot {
	return Snapshot{
		Code:            QuotationCode,
		Name:            name,
		IncludedCredits: credits,
		MonthlyPrice:    price,
		Currency:        price.Currency,
		BillingPeriod:   pricing.Monthly,
		PeriodPrice:     price,
		PriceSource:     pricing.SourceAuthoritative,
		Quoted:          true,
	}
}

func fromTier(t pricing.Tier) Plan {
	name := t.Name
	if name == "" {
		name = t.Code
	}
	return Plan{Code: t.Code, Name: name, IncludedCredits: t.IncludedUsageUnits}
}
