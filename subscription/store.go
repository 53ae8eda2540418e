package subscription

import (
	"context"
	"time"

	"github.com/inspect360/credits/entry"
)

type Store interface {
	GetSubscription(ctx context.Context, orgID string) (*Subscription, error)
	ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
	// UpdateCancellation persists the cancel fields of s.
	UpdateCancellation(ctx context.Context, s *Subscription) error
	// RenewSubscription advances s to its new period and appends grant in
	// one unit. It fails with ErrConflict when the stored period end no
	// longer equals prevPeriodEnd. grant may be nil (cancel at period end).
	RenewSubscription(ctx context.Context, s *Subscription, prevPeriodEnd time.Time, grant *entry.Entry) error
}
