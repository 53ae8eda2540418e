package credits

import (
	"errors"

	"github.com/inspect360/credits/pricing"
)

// Pricing returns the catalogue the engine prices against.
func (e *Engine) Pricing() *pricing.Catalog { return e.pricing }

// Price quotes a usage volume. Catalogue errors come back as
// ValidationError so callers can surface them as bad input.
func (e *Engine) Price(req pricing.Request) (*pricing.Breakdown, error) {
	b, err := e.pricing.Price(req)
	if err != nil {
		return nil, pricingValidation(err)
	}
	return b, nil
}

func pricingValidation(err error) error {
	field := ""
	switch {
	case errors.Is(err, pricing.ErrNegativeUsage):
		field = "usageUnits"
	case errors.Is(err, pricing.ErrUnsupportedCurrency):
		field = "currency"
	case errors.Is(err, pricing.ErrUnknownBillingPeriod):
		field = "billingPeriod"
	case errors.Is(err, pricing.ErrUnknownModule):
		field = "modules"
	case errors.Is(err, pricing.ErrUnknownTier):
		field = "plan"
	default:
		return err
	}
	return ValidationError{Field: field, Message: err.Error()}
}
