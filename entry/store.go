package entry

import (
	"context"
	"time"
)

type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	// AppendDebit appends a negative entry only when the organization's
	// available balance as of e.OccurredAt covers it, otherwise it returns
	// *credits.InsufficientCreditsError. Debits for one organization are
	// serialized against each other.
	AppendDebit(ctx context.Context, e *Entry) error
	GetEntryByIdempotencyKey(ctx context.Context, orgID, key string) (*Entry, error)
	ListEntries(ctx context.Context, orgID string, opts ListOpts) ([]*Entry, error)
	// ListExpiringGrants returns grants with from <= expiresAt < to, across
	// organizations, ordered by expiresAt.
	ListExpiringGrants(ctx context.Context, from, to time.Time) ([]*Entry, error)
}

// ListOpts pages through an organization's entries in ascending
// occurredAt order. Since and Until are inclusive.
type ListOpts struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}
