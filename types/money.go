// Package types holds the value types shared by the credit packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the smallest unit of its currency (pence, cents,
// yen). Stored arithmetic is integer-only; fractional steps such as FX
// conversion or discount multipliers go through Scale and Convert, which
// round half away from zero to a whole minor unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217, lower case
}

// New builds a Money value, normalizing the currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }
func JPY(yen int64) Money   { return Money{Amount: yen, Currency: "jpy"} }

// Zero returns a zero amount in currency.
func Zero(currency string) Money { return New(0, currency) }

// NormalizeCurrency lower-cases and trims an ISO 4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}

// ──────────────────────────────────────────────────
// Arithmetic
// ──────────────────────────────────────────────────

// Add panics if the currencies differ.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract panics if the currencies differ.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Multiply scales by an integer quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Scale multiplies by a decimal factor and rounds to the nearest minor unit.
func (m Money) Scale(factor decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Amount).Mul(factor).Round(0)
	return Money{Amount: v.IntPart(), Currency: m.Currency}
}

// Convert expresses m in another currency using rate (units of target per
// one unit of source, in major units). Differences in minor-unit exponent
// between the currencies are accounted for before rounding.
func (m Money) Convert(target string, rate decimal.Decimal) Money {
	target = NormalizeCurrency(target)
	major := decimal.New(m.Amount, -int32(Decimals(m.Currency)))
	minor := major.Mul(rate).Shift(int32(Decimals(target))).Round(0)
	return Money{Amount: minor.IntPart(), Currency: target}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// Equal compares amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// ──────────────────────────────────────────────────
// Formatting
// ──────────────────────────────────────────────────

// FormatMajor renders the amount in major units without a symbol:
// "49.00" for GBP(4900), "100" for JPY(100).
func (m Money) FormatMajor() string {
	return decimal.New(m.Amount, -int32(Decimals(m.Currency))).StringFixed(int32(Decimals(m.Currency)))
}

// String renders the amount with its symbol, e.g. "£49.00".
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON adds a display field alongside amount and currency.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON accepts the MarshalJSON shape and ignores display.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

func currencySymbol(currency string) string {
	switch NormalizeCurrency(currency) {
	case "gbp":
		return "£"
	case "usd":
		return "$"
	case "eur":
		return "€"
	case "jpy":
		return "¥"
	case "aud":
		return "A$"
	case "cad":
		return "C$"
	case "nzd":
		return "NZ$"
	default:
		return strings.ToUpper(currency) + " "
	}
}

// Decimals returns the minor-unit exponent of a currency.
func Decimals(currency string) int {
	switch NormalizeCurrency(currency) {
	case "jpy", "krw", "vnd", "clp", "pyg", "idr":
		return 0
	default:
		return 2
	}
}

// Sum adds values of a single currency. An empty call returns a zero GBP
// amount.
func Sum(values ...Money) Money {
	if len(values) == 0 {
		return Zero("gbp")
	}
	result := values[0]
	for _, v := range values[1:] {
		result = result.Add(v)
	}
	return result
}
