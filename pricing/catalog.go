// Package pricing prices usage volume against tiered reference data.
//
// Prices are authored per currency in minor units. A currency without an
// authored price is converted from the base currency through a fallback
// rate table; such components are marked SourceConverted so an invoice can
// always tell a heuristic price from an authoritative one.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/inspect360/credits/types"
)

var (
	ErrNegativeUsage        = errors.New("pricing: usage units must not be negative")
	ErrUnsupportedCurrency  = errors.New("pricing: unsupported currency")
	ErrUnknownModule        = errors.New("pricing: unknown module")
	ErrUnknownBillingPeriod = errors.New("pricing: unknown billing period")
	ErrUnknownTier          = errors.New("pricing: unknown tier")
	ErrInvalidCatalog       = errors.New("pricing: invalid catalog")
)

type BillingPeriod string

const (
	Monthly BillingPeriod = "monthly"
	Annual  BillingPeriod = "annual"
)

func (p BillingPeriod) Valid() bool { return p == Monthly || p == Annual }

type Source string

const (
	SourceAuthoritative Source = "authoritative"
	SourceConverted     Source = "converted"
)

// Tier is a usage bracket. Prices are keyed by lower-case currency code.
type Tier struct {
	Code               string           `json:"code"`
	Name               string           `json:"name"`
	IncludedUsageUnits int64            `json:"included_usage_units"`
	BasePrice          map[string]int64 `json:"base_price"`
	OverageUnitPrice   map[string]int64 `json:"overage_unit_price"`
}

// Module is an add-on billed per period on top of the tier.
type Module struct {
	Code  string           `json:"code"`
	Name  string           `json:"name"`
	Price map[string]int64 `json:"price"`
}

// Catalog is immutable reference data. Build it with NewCatalog or
// DefaultCatalog and share it freely.
type Catalog struct {
	base     string
	tiers    []Tier
	modules  map[string]Module
	rates    map[string]decimal.Decimal
	discount decimal.Decimal
}

// CatalogConfig is the authored form of a Catalog. Rates convert one unit
// of the base currency into the keyed currency.
type CatalogConfig struct {
	BaseCurrency   string
	Tiers          []Tier
	Modules        []Module
	FallbackRates  map[string]string
	AnnualDiscount string // multiplier applied to twelve monthly prices
}

// NewCatalog validates cfg and freezes it.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	base := types.NormalizeCurrency(cfg.BaseCurrency)
	if base == "" {
		return nil, fmt.Errorf("%w: base currency is required", ErrInvalidCatalog)
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidCatalog)
	}

	discount := decimal.NewFromInt(1)
	if cfg.AnnualDiscount != "" {
		d, err := decimal.NewFromString(cfg.AnnualDiscount)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("%w: annual discount %q", ErrInvalidCatalog, cfg.AnnualDiscount)
		}
		discount = d
	}

	c := &Catalog{
		base:     base,
		modules:  make(map[string]Module, len(cfg.Modules)),
		rates:    make(map[string]decimal.Decimal, len(cfg.FallbackRates)),
		discount: discount,
	}

	seen := make(map[string]bool)
	for _, t := range cfg.Tiers {
		t.Code = normalizeCode(t.Code)
		t.BasePrice = normalizePrices(t.BasePrice)
		t.OverageUnitPrice = normalizePrices(t.OverageUnitPrice)
		if t.Code == "" || seen[t.Code] {
			return nil, fmt.Errorf("%w: tier code %q missing or duplicated", ErrInvalidCatalog, t.Code)
		}
		if _, ok := t.BasePrice[base]; !ok {
			return nil, fmt.Errorf("%w: tier %s has no %s base price", ErrInvalidCatalog, t.Code, base)
		}
		if _, ok := t.OverageUnitPrice[base]; !ok {
			return nil, fmt.Errorf("%w: tier %s has no %s overage price", ErrInvalidCatalog, t.Code, base)
		}
		seen[t.Code] = true
		c.tiers = append(c.tiers, t)
	}
	sort.SliceStable(c.tiers, func(i, j int) bool {
		return c.tiers[i].IncludedUsageUnits < c.tiers[j].IncludedUsageUnits
	})
	for i := 1; i < len(c.tiers); i++ {
		if c.tiers[i].IncludedUsageUnits == c.tiers[i-1].IncludedUsageUnits {
			return nil, fmt.Errorf("%w: tiers %s and %s share a threshold",
				ErrInvalidCatalog, c.tiers[i-1].Code, c.tiers[i].Code)
		}
	}

	for _, m := range cfg.Modules {
		m.Code = normalizeCode(m.Code)
		m.Price = normalizePrices(m.Price)
		if _, ok := m.Price[base]; !ok {
			return nil, fmt.Errorf("%w: module %s has no %s price", ErrInvalidCatalog, m.Code, base)
		}
		c.modules[m.Code] = m
	}

	for cur, raw := range cfg.FallbackRates {
		r, err := decimal.NewFromString(raw)
		if err != nil || !r.IsPositive() {
			return nil, fmt.Errorf("%w: fallback rate %s=%q", ErrInvalidCatalog, cur, raw)
		}
		c.rates[types.NormalizeCurrency(cur)] = r
	}

	return c, nil
}

// DefaultCatalog is the published price list: GBP authored, USD authored,
// everything else converted from GBP.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(CatalogConfig{
		BaseCurrency: "gbp",
		Tiers: []Tier{
			{Code: "starter", Name: "Starter", IncludedUsageUnits: 10,
				BasePrice:        map[string]int64{"gbp": 4900, "usd": 5900},
				OverageUnitPrice: map[string]int64{"gbp": 350, "usd": 450}},
			{Code: "growth", Name: "Growth", IncludedUsageUnits: 30,
				BasePrice:        map[string]int64{"gbp": 12900, "usd": 15900},
				OverageUnitPrice: map[string]int64{"gbp": 300, "usd": 375}},
			{Code: "professional", Name: "Professional", IncludedUsageUnits: 75,
				BasePrice:        map[string]int64{"gbp": 27900, "usd": 34900},
				OverageUnitPrice: map[string]int64{"gbp": 250, "usd": 300}},
			{Code: "enterprise", Name: "Enterprise", IncludedUsageUnits: 200,
				BasePrice:        map[string]int64{"gbp": 64900, "usd": 79900},
				OverageUnitPrice: map[string]int64{"gbp": 200, "usd": 250}},
		},
		Modules: []Module{
			{Code: "compliance", Name: "Compliance", Price: map[string]int64{"gbp": 2900, "usd": 3500}},
			{Code: "maintenance", Name: "Maintenance", Price: map[string]int64{"gbp": 1900, "usd": 2500}},
			{Code: "tenant_portal", Name: "Tenant portal", Price: map[string]int64{"gbp": 1500, "usd": 1900}},
			{Code: "ai_reports", Name: "AI reports", Price: map[string]int64{"gbp": 3900, "usd": 4900}},
		},
		FallbackRates: map[string]string{
			"eur": "1.17",
			"aud": "1.93",
			"cad": "1.72",
			"nzd": "2.10",
			"jpy": "190",
		},
		AnnualDiscount: "0.85",
	})
	if err != nil {
		panic(err)
	}
	return c
}

// BaseCurrency is the currency every price is authored in.
func (c *Catalog) BaseCurrency() string { return c.base }

// Tiers returns the tiers in ascending threshold order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Tier looks a tier up by code.
func (c *Catalog) Tier(code string) (Tier, error) {
	code = normalizeCode(code)
	for _, t := range c.tiers {
		if t.Code == code {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, code)
}

// TierFor selects the highest tier whose threshold is at or below units,
// falling back to the lowest tier.
func (c *Catalog) TierFor(units int64) Tier {
	selected := c.tiers[0]
	for _, t := range c.tiers[1:] {
		if t.IncludedUsageUnits <= units {
			selected = t
		}
	}
	return selected
}

// Supports reports whether prices can be produced in currency.
func (c *Catalog) Supports(currency string) bool {
	currency = types.NormalizeCurrency(currency)
	if currency == c.base {
		return true
	}
	if _, ok := c.rates[currency]; ok {
		return true
	}
	_, ok := c.tiers[0].BasePrice[currency]
	return ok
}

// resolve returns the price in currency, converting from the base currency
// when no authored price exists.
func (c *Catalog) resolve(prices map[string]int64, currency string) (Component, error) {
	if amount, ok := prices[currency]; ok {
		return Component{Amount: types.New(amount, currency), Source: SourceAuthoritative}, nil
	}
	rate, ok := c.rates[currency]
	if !ok {
		return Component{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	converted := types.New(prices[c.base], c.base).Convert(currency, rate)
	return Component{Amount: converted, Source: SourceConverted}, nil
}

func normalizeCode(code string) string { return strings.ToLower(strings.TrimSpace(code)) }

func normalizePrices(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for cur, amount := range in {
		out[types.NormalizeCurrency(cur)] = amount
	}
	return out
}
