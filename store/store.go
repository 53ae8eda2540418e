// Package store declares the persistence contract shared by every backend.
package store

import (
	"context"
	"time"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/subscription"
)

// Store is the unified storage interface. Methods are declared explicitly
// rather than by embedding the per-package interfaces so that backends
// implement one flat method set.
//
// Errors are the root package sentinels: ErrEntryNotFound,
// ErrDuplicateEntry, ErrSubscriptionNotFound, ErrSessionNotFound,
// ErrAlreadyExists, ErrAlreadyProcessed, ErrConflict,
// ErrOrganizationNotFound.
type Store interface {
	// Ledger entries (append-only; there is no update or delete)
	AppendEntry(ctx context.Context, e *entry.Entry) error
	AppendDebit(ctx context.Context, e *entry.Entry) error
	GetEntryByIdempotencyKey(ctx context.Context, orgID, key string) (*entry.Entry, error)
	ListEntries(ctx context.Context, orgID string, opts entry.ListOpts) ([]*entry.Entry, error)
	ListExpiringGrants(ctx context.Context, from, to time.Time) ([]*entry.Entry, error)

	// Subscriptions
	GetSubscription(ctx context.Context, orgID string) (*subscription.Subscription, error)
	ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error)
	UpdateCancellation(ctx context.Context, s *subscription.Subscription) error
	RenewSubscription(ctx context.Context, s *subscription.Subscription, prevPeriodEnd time.Time, grant *entry.Entry) error

	// Checkout sessions
	CreateSession(ctx context.Context, s *checkout.Session) error
	GetSession(ctx context.Context, sessionID string) (*checkout.Session, error)
	MarkSessionProcessing(ctx context.Context, sessionID string) error
	MarkSessionFailed(ctx context.Context, sessionID string, reason string) error
	MarkSessionExpired(ctx context.Context, sessionID string) error
	CompleteSession(ctx context.Context, effect *checkout.Effect) error

	// Organizations
	UpsertOrganization(ctx context.Context, o *organization.Organization) error
	GetOrganization(ctx context.Context, orgID string) (*organization.Organization, error)
	ListOrganizationsByIdentity(ctx context.Context, identityKey string) ([]*organization.Organization, error)

	// Core
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that the per-package interfaces are subsets.
var (
	_ entry.Store        = Store(nil)
	_ subscription.Store = Store(nil)
	_ checkout.Store     = Store(nil)
	_ organization.Store = Store(nil)
)
