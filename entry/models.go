// Package entry defines the immutable ledger entry record.
package entry

import (
	"fmt"
	"time"

	"github.com/inspect360/credits/id"
)

type Kind string

const (
	KindGrant      Kind = "grant"
	KindConsume    Kind = "consume"
	KindExpire     Kind = "expire"
	KindAdjustment Kind = "adjustment"
)

// Rank orders kinds that share an occurredAt: credit arrives before it is
// spent, and expiry is applied last.
func (k Kind) Rank() int {
	switch k {
	case KindGrant:
		return 0
	case KindAdjustment:
		return 1
	case KindConsume:
		return 2
	case KindExpire:
		return 3
	default:
		return 4
	}
}

func (k Kind) Valid() bool { return k.Rank() < 4 }

type Source string

const (
	SourceSubscription Source = "subscription"
	SourceTopup        Source = "topup"
	SourceManual       Source = "manual"
	SourceUsage        Source = "usage"
)

func (s Source) Valid() bool {
	switch s {
	case SourceSubscription, SourceTopup, SourceManual, SourceUsage:
		return true
	}
	return false
}

// Entry is one balance-affecting fact. Quantity is signed: grants are
// positive, consumption and expiry negative, adjustments either.
type Entry struct {
	ID             id.EntryID `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Kind           Kind       `json:"kind"`
	Quantity       int64      `json:"quantity"`
	Source         Source     `json:"source"`
	OccurredAt     time.Time  `json:"occurred_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	// Reference points an expire entry at the grant it retires, or a consume
	// entry at the usage record that caused it.
	Reference string    `json:"reference,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrInvalid describes why an entry was rejected. The root package wraps it
// in a ValidationError.
type ErrInvalid struct {
	Field   string
	Message string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("entry: invalid %s: %s", e.Field, e.Message)
}

// Validate checks the structural rules every stored entry satisfies.
func (e *Entry) Validate() error {
	if e.OrganizationID == "" {
		return &ErrInvalid{Field: "organization_id", Message: "is required"}
	}
	if !e.Kind.Valid() {
		return &ErrInvalid{Field: "kind", Message: fmt.Sprintf("unknown kind %q", e.Kind)}
	}
	if !e.Source.Valid() {
		return &ErrInvalid{Field: "source", Message: fmt.Sprintf("unknown source %q", e.Source)}
	}
	if e.Quantity == 0 {
		return &ErrInvalid{Field: "quantity", Message: "must not be zero"}
	}
	switch e.Kind {
	case KindGrant:
		if e.Quantity < 0 {
			return &ErrInvalid{Field: "quantity", Message: "grant must be positive"}
		}
	case KindConsume, KindExpire:
		if e.Quantity > 0 {
			return &ErrInvalid{Field: "quantity", Message: fmt.Sprintf("%s must be negative", e.Kind)}
		}
	}
	if e.OccurredAt.IsZero() {
		return &ErrInvalid{Field: "occurred_at", Message: "is required"}
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(e.OccurredAt) {
		return &ErrInvalid{Field: "expires_at", Message: "must be after occurred_at"}
	}
	return nil
}

// Less is the canonical processing order: occurredAt, then kind rank, then
// id. Storage order never matters.
func Less(a, b *Entry) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if ra, rb := a.Kind.Rank(), b.Kind.Rank(); ra != rb {
		return ra < rb
	}
	return a.ID.Compare(b.ID) < 0
}

// IsGrantLike reports whether the entry opens a credit batch.
func (e *Entry) IsGrantLike() bool {
	return e.Kind == KindGrant || (e.Kind == KindAdjustment && e.Quantity > 0)
}
