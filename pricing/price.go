package pricing

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/inspect360/credits/types"
)

// Request is the input to Price.
type Request struct {
	UsageUnits    int64         `json:"usage_units"`
	Currency      string        `json:"currency"`
	BillingPeriod BillingPeriod `json:"billing_period"`
	Modules       []string      `json:"modules,omitempty"`
}

// Component is one priced figure and where it came from.
type Component struct {
	Amount types.Money `json:"amount"`
	Source Source      `json:"source"`
}

type ModuleLine struct {
	Code  string    `json:"code"`
	Price Component `json:"price"`
}

// Breakdown is the result of Price. Marshalling the same Breakdown twice
// yields identical bytes; slices are sorted and no maps are exposed.
type Breakdown struct {
	Tier               string        `json:"tier"`
	IncludedUsageUnits int64         `json:"included_usage_units"`
	UsageUnits         int64         `json:"usage_units"`
	Currency           string        `json:"currency"`
	BillingPeriod      BillingPeriod `json:"billing_period"`
	TierPrice          Component     `json:"tier_price"`
	OverageUnits       int64         `json:"overage_units"`
	OverageUnitPrice   Component     `json:"overage_unit_price"`
	OverageCost        types.Money   `json:"overage_cost"`
	Modules            []ModuleLine  `json:"modules"`
	ModuleCost         types.Money   `json:"module_cost"`
	Total              types.Money   `json:"total"`
	// Converted is set when any component used the fallback rate table.
	Converted bool   `json:"converted"`
	FXRate    string `json:"fx_rate,omitempty"`
}

// Price computes a breakdown. It is a pure function of the catalog and req.
//
// Annual billing charges twelve monthly tier and module prices times the
// annual discount. Overage is billed per unit at the monthly rate and is
// never discounted.
func (c *Catalog) Price(req Request) (*Breakdown, error) {
	if req.UsageUnits < 0 {
		return nil, ErrNegativeUsage
	}
	period := req.BillingPeriod
	if period == "" {
		period = Monthly
	}
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBillingPeriod, req.BillingPeriod)
	}
	currency := types.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = c.base
	}

	codes, err := c.moduleCodes(req.Modules)
	if err != nil {
		return nil, err
	}

	tier := c.TierFor(req.UsageUnits)
	tierPrice, err := c.resolve(tier.BasePrice, currency)
	if err != nil {
		return nil, err
	}
	overagePrice, err := c.resolve(tier.OverageUnitPrice, currency)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{
		Tier:               tier.Code,
		IncludedUsageUnits: tier.IncludedUsageUnits,
		UsageUnits:         req.UsageUnits,
		Currency:           currency,
		BillingPeriod:      period,
		TierPrice:          c.forPeriod(tierPrice, period),
		OverageUnits:       max(0, req.UsageUnits-tier.IncludedUsageUnits),
		OverageUnitPrice:   overagePrice,
		Modules:            make([]ModuleLine, 0, len(codes)),
		ModuleCost:         types.Zero(currency),
	}
	b.OverageCost = overagePrice.Amount.Multiply(b.OverageUnits)

	for _, code := range codes {
		p, err := c.resolve(c.modules[code].Price, currency)
		if err != nil {
			return nil, err
		}
		line := ModuleLine{Code: code, Price: c.forPeriod(p, period)}
		b.Modules = append(b.Modules, line)
		b.ModuleCost = b.ModuleCost.Add(line.Price.Amount)
	}

	b.Total = types.Sum(b.TierPrice.Amount, b.OverageCost, b.ModuleCost)

	b.Converted = b.TierPrice.Source == SourceConverted ||
		b.OverageUnitPrice.Source == SourceConverted ||
		lo.SomeBy(b.Modules, func(m ModuleLine) bool { return m.Price.Source == SourceConverted })
	if b.Converted {
		b.FXRate = c.rates[currency].String()
	}

	return b, nil
}

// AnnualMultiplier is the factor applied to a monthly price for annual
// billing.
func (c *Catalog) AnnualMultiplier() decimal.Decimal {
	return decimal.NewFromInt(12).Mul(c.discount)
}

func (c *Catalog) forPeriod(p Component, period BillingPeriod) Component {
	if period == Annual {
		p.Amount = p.Amount.Scale(c.AnnualMultiplier())
	}
	return p
}

// moduleCodes normalizes, de-duplicates and sorts the requested codes.
func (c *Catalog) moduleCodes(requested []string) ([]string, error) {
	codes := lo.Uniq(lo.Map(requested, func(code string, _ int) string { return normalizeCode(code) }))
	codes = lo.Compact(codes)
	for _, code := range codes {
		if _, ok := c.modules[code]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// TopupPrice prices a one-off credit purchase at the entry tier's overage
// rate.
func (c *Catalog) TopupPrice(credits int64, currency string) (Component, error) {
	if credits <= 0 {
		return Component{}, fmt.Errorf("%w: top-up of %d credits", ErrNegativeUsage, credits)
	}
	if currency == "" {
		currency = c.base
	}
	unit, err := c.resolve(c.tiers[0].OverageUnitPrice, types.NormalizeCurrency(currency))
	if err != nil {
		return Component{}, err
	}
	return Component{Amount: unit.Amount.Multiply(credits), Source: unit.Source}, nil
}
