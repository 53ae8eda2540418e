package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/inspect360/credits/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"EntryID", id.NewEntryID, "entry_"},
		{"SubscriptionID", id.NewSubscriptionID, "sub_"},
		{"EventID", id.NewEventID, "evt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"EntryID", id.NewEntryID, id.ParseEntryID},
		{"SubscriptionID", id.NewSubscriptionID, id.ParseSubscriptionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestParseWithPrefixMismatch(t *testing.T) {
	sub := id.NewSubscriptionID()
	if _, err := id.ParseEntryID(sub.String()); err == nil {
		t.Error("expected error for prefix mismatch")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "not-an-id", "entry_"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	v, err := i.Value()
	if err != nil || v != nil {
		t.Errorf("expected nil value, got %v (%v)", v, err)
	}
}

func TestCompareFollowsCreationOrder(t *testing.T) {
	a := id.NewEntryID()
	b := id.NewEntryID()
	if a.Compare(b) >= 0 {
		t.Errorf("expected %s < %s", a, b)
	}
	if a.Compare(a) != 0 {
		t.Error("expected ID to equal itself")
	}
}

func TestJSONAndScan(t *testing.T) {
	original := id.NewEntryID()

	data, err := json.Marshal(struct {
		ID id.ID `json:"id"`
	}{original})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		ID id.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID.String() != original.String() {
		t.Errorf("json mismatch: %q != %q", decoded.ID, original)
	}

	var scanned id.ID
	if err := scanned.Scan([]byte(original.String())); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("scan mismatch: %q != %q", scanned, original)
	}
	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Errorf("scan nil should produce Nil, got %q (%v)", scanned, err)
	}
}
