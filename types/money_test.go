package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"GBP", GBP(4900), 4900, "gbp", "£49.00"},
		{"USD", USD(15900), 15900, "usd", "$159.00"},
		{"EUR", EUR(5733), 5733, "eur", "€57.33"},
		{"JPY", JPY(9310), 9310, "jpy", "¥9310"},
		{"New normalizes", New(250, " NZD "), 250, "nzd", "NZ$2.50"},
		{"Zero", Zero("GBP"), 0, "gbp", "£0.00"},
		{"Negative", GBP(-350), -350, "gbp", "£-3.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyScale(t *testing.T) {
	tests := []struct {
		name   string
		in     Money
		factor string
		want   Money
	}{
		{"annual discount", GBP(4900), "10.2", GBP(49980)},
		{"rounds half away from zero", GBP(5), "0.5", GBP(3)},
		{"negative rounds away", GBP(-5), "0.5", GBP(-3)},
		{"identity", USD(12345), "1", USD(12345)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Scale(decimal.RequireFromString(tt.factor))
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMoneyConvert(t *testing.T) {
	tests := []struct {
		name   string
		in     Money
		target string
		rate   string
		want   Money
	}{
		{"gbp to eur", GBP(4900), "eur", "1.17", EUR(5733)},
		{"gbp to jpy drops minor exponent", GBP(4900), "JPY", "190", JPY(9310)},
		{"rounds to nearest cent", GBP(350), "eur", "1.17", EUR(410)},
		{"jpy to gbp gains minor exponent", JPY(190), "gbp", "0.005", GBP(95)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Convert(tt.target, decimal.RequireFromString(tt.rate))
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	if got := GBP(100).Add(GBP(250)).Subtract(GBP(50)).Multiply(3); !got.Equal(GBP(900)) {
		t.Errorf("got %v, want £9.00", got)
	}
	if got := Sum(GBP(1), GBP(2), GBP(3)); !got.Equal(GBP(6)) {
		t.Errorf("Sum: got %v", got)
	}
	if got := Sum(); !got.Equal(GBP(0)) {
		t.Errorf("empty Sum: got %v", got)
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for currency mismatch")
		}
	}()
	_ = GBP(100).Add(EUR(100))
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(GBP(27900))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"amount":27900,"currency":"gbp","display":"£279.00"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var m Money
	if err := json.Unmarshal([]byte(`{"amount":5,"currency":"USD","display":"ignored"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Equal(USD(5)) {
		t.Errorf("got %v, want $0.05", m)
	}
}
