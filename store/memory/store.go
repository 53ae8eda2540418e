// Package memory is an in-process Store for tests and single-node
// development. All writes that must be atomic happen under one lock.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/balance"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/subscription"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Ledger entries per organization, and the idempotency index
	entries map[string][]*entry.Entry
	keys    map[string]*entry.Entry

	// Subscriptions keyed by organization
	subscriptions map[string]*subscription.Subscription

	// Checkout sessions keyed by provider session id
	sessions map[string]*checkout.Session

	organizations map[string]*organization.Organization
}

func New() *Store {
	return &Store{
		entries:       make(map[string][]*entry.Entry),
		keys:          make(map[string]*entry.Entry),
		subscriptions: make(map[string]*subscription.Subscription),
		sessions:      make(map[string]*checkout.Session),
		organizations: make(map[string]*organization.Organization),
	}
}

// ──────────────────────────────────────────────────
// Ledger entries
// ──────────────────────────────────────────────────

func (s *Store) AppendEntry(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e *entry.Entry) error {
	if e.IdempotencyKey != "" {
		if _, exists := s.keys[keyOf(e.OrganizationID, e.IdempotencyKey)]; exists {
			return credits.ErrDuplicateEntry
		}
	}
	stored := copyEntry(e)
	s.entries[e.OrganizationID] = append(s.entries[e.OrganizationID], stored)
	if e.IdempotencyKey != "" {
		s.keys[keyOf(e.OrganizationID, e.IdempotencyKey)] = stored
	}
	return nil
}

// AppendDebit checks the balance and appends under the store lock.
func (s *Store) AppendDebit(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, exists := s.keys[keyOf(e.OrganizationID, e.IdempotencyKey)]; exists {
			return credits.ErrDuplicateEntry
		}
	}
	if avail := balance.Compute(s.entries[e.OrganizationID], e.OccurredAt).Available; avail < -e.Quantity {
		return &credits.InsufficientCreditsError{Requested: -e.Quantity, Available: avail}
	}
	return s.appendLocked(e)
}

func (s *Store) GetEntryByIdempotencyKey(_ context.Context, orgID, key string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.keys[keyOf(orgID, key)]; ok {
		return copyEntry(e), nil
	}
	return nil, credits.ErrEntryNotFound
}

func (s *Store) ListEntries(_ context.Context, orgID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0, len(s.entries[orgID]))
	for _, e := range s.entries[orgID] {
		if opts.Since != nil && e.OccurredAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.OccurredAt.After(*opts.Until) {
			continue
		}
		result = append(result, copyEntry(e))
	}
	slices.SortFunc(result, compareEntries)

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListExpiringGrants(_ context.Context, from, to time.Time) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*entry.Entry
	for _, list := range s.entries {
		for _, e := range list {
			if e.Kind != entry.KindGrant || e.ExpiresAt == nil {
				continue
			}
			if e.ExpiresAt.Before(from) || !e.ExpiresAt.Before(to) {
				continue
			}
			result = append(result, copyEntry(e))
		}
	}
	slices.SortFunc(result, func(a, b *entry.Entry) int {
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (s *Store) GetSubscription(_ context.Context, orgID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[orgID]; ok {
		return copySubscription(sub), nil
	}
	return nil, credits.ErrSubscriptionNotFound
}

func (s *Store) ListDueSubscriptions(_ context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status.Renewable() && !sub.CurrentPeriodEnd.After(before) {
			result = append(result, copySubscription(sub))
		}
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		if c := a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return page(result, 0, limit), nil
}

func (s *Store) UpdateCancellation(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.OrganizationID]
	if !ok || existing.ID.Compare(sub.ID) != 0 {
		return credits.ErrSubscriptionNotFound
	}
	existing.Status = sub.Status
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.CanceledAt = copyTime(sub.CanceledAt)
	existing.CancelReason = sub.CancelReason
	existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
	existing.UpdatedAt = sub.UpdatedAt
	return nil
}

func (s *Store) RenewSubscription(_ context.Context, sub *subscription.Subscription, prevPeriodEnd time.Time, grant *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.OrganizationID]
	if !ok {
		return credits.ErrSubscriptionNotFound
	}
	if existing.ID.Compare(sub.ID) != 0 || !existing.CurrentPeriodEnd.Equal(prevPeriodEnd) {
		return credits.ErrConflict
	}
	if grant != nil {
		if err := s.appendLocked(grant); err != nil {
			return err
		}
	}
	s.subscriptions[sub.OrganizationID] = copySubscription(sub)
	return nil
}

// ──────────────────────────────────────────────────
// Checkout sessions
// ──────────────────────────────────────────────────

func (s *Store) CreateSession(_ context.Context, sess *checkout.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return credits.ErrAlreadyExists
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return copySession(sess), nil
	}
	return nil, credits.ErrSessionNotFound
}

func (s *Store) MarkSessionProcessing(_ context.Context, sessionID string) error {
	return s.updateUnprocessed(sessionID, func(sess *checkout.Session) {
		sess.Status = checkout.StatusProcessing
		sess.Attempts++
	})
}

func (s *Store) MarkSessionFailed(_ context.Context, sessionID, reason string) error {
	return s.updateUnprocessed(sessionID, func(sess *checkout.Session) {
		sess.Status = checkout.StatusFailed
		sess.LastError = reason
	})
}

func (s *Store) MarkSessionExpired(_ context.Context, sessionID string) error {
	return s.updateUnprocessed(sessionID, func(sess *checkout.Session) {
		sess.Status = checkout.StatusExpired
	})
}

func (s *Store) updateUnprocessed(sessionID string, fn func(*checkout.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return credits.ErrSessionNotFound
	}
	if sess.Processed() {
		return credits.ErrAlreadyProcessed
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteSession claims the session and applies its effect under a single
// lock. A failed grant leaves the session unclaimed.
func (s *Store) CompleteSession(_ context.Context, eff *checkout.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[eff.SessionID]
	if !ok {
		return credits.ErrSessionNotFound
	}
	if sess.Processed() {
		return credits.ErrAlreadyProcessed
	}
	if eff.Grant != nil {
		if err := s.appendLocked(eff.Grant); err != nil {
			return err
		}
	}
	if eff.Subscription != nil {
		s.subscriptions[eff.Subscription.OrganizationID] = copySubscription(eff.Subscription)
	}

	processedAt := eff.ProcessedAt
	sess.ProcessedAt = &processedAt
	sess.Status = checkout.StatusCompleted
	sess.CreditsGranted = eff.CreditsGranted()
	sess.LastError = ""
	sess.UpdatedAt = processedAt
	return nil
}

// ──────────────────────────────────────────────────
// Organizations
// ──────────────────────────────────────────────────

func (s *Store) UpsertOrganization(_ context.Context, o *organization.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *o
	if existing, ok := s.organizations[o.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.organizations[o.ID] = &stored
	return nil
}

func (s *Store) GetOrganization(_ context.Context, orgID string) (*organization.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.organizations[orgID]; ok {
		out := *o
		return &out, nil
	}
	return nil, credits.ErrOrganizationNotFound
}

func (s *Store) ListOrganizationsByIdentity(_ context.Context, identityKey string) ([]*organization.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*organization.Organization, 0)
	for _, o := range s.organizations {
		if o.IdentityKey == identityKey {
			out := *o
			result = append(result, &out)
		}
	}
	slices.SortFunc(result, func(a, b *organization.Organization) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}

// Helper functions
func keyOf(orgID, key string) string { return orgID + "\x00" + key }

func compareEntries(a, b *entry.Entry) int {
	switch {
	case entry.Less(a, b):
		return -1
	case entry.Less(b, a):
		return 1
	}
	return 0
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func copyEntry(e *entry.Entry) *entry.Entry {
	out := *e
	out.ExpiresAt = copyTime(e.ExpiresAt)
	return &out
}

func copySubscription(sub *subscription.Subscription) *subscription.Subscription {
	out := *sub
	out.CanceledAt = copyTime(sub.CanceledAt)
	return &out
}

func copySession(sess *checkout.Session) *checkout.Session {
	out := *sess
	out.ProcessedAt = copyTime(sess.ProcessedAt)
	return &out
}
