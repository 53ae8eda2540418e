package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/balance"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/subscription"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements every store.Store method except Migrate, which belongs
// to the backend package.
type Store struct {
	db *sql.DB
	d  Dialect
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("credits/%s: %s: %w", s.d.Name, op, err)
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// ==================== Ledger entries ====================

func (s *Store) AppendEntry(ctx context.Context, e *entry.Entry) error {
	return s.insertEntry(ctx, s.db, e)
}

func (s *Store) insertEntry(ctx context.Context, q querier, e *entry.Entry) error {
	_, err := q.ExecContext(ctx, s.d.rebind(
		`INSERT INTO credit_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.entryArgs(e)...,
	)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return credits.ErrDuplicateEntry
		}
		return s.wrap("append entry", err)
	}
	return nil
}

// AppendDebit re-reads the ledger and inserts in one transaction, holding
// the dialect's per-organization lock.
func (s *Store) AppendDebit(ctx context.Context, e *entry.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.d.LockOrganization != "" {
			if _, err := tx.ExecContext(ctx, s.d.rebind(s.d.LockOrganization), e.OrganizationID); err != nil {
				return s.wrap("lock organization", err)
			}
		}
		if e.IdempotencyKey != "" {
			_, err := s.getEntryByKey(ctx, tx, e.OrganizationID, e.IdempotencyKey)
			if err == nil {
				return credits.ErrDuplicateEntry
			}
			if !errors.Is(err, credits.ErrEntryNotFound) {
				return err
			}
		}

		at := e.OccurredAt
		entries, err := s.listEntries(ctx, tx, e.OrganizationID, entry.ListOpts{Until: &at})
		if err != nil {
			return err
		}
		if avail := balance.Compute(entries, at).Available; avail < -e.Quantity {
			return &credits.InsufficientCreditsError{Requested: -e.Quantity, Available: avail}
		}
		return s.insertEntry(ctx, tx, e)
	})
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, orgID, key string) (*entry.Entry, error) {
	return s.getEntryByKey(ctx, s.db, orgID, key)
}

func (s *Store) getEntryByKey(ctx context.Context, q querier, orgID, key string) (*entry.Entry, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+entryColumns+` FROM credit_entries
		WHERE organization_id = ? AND idempotency_key = ?`),
		orgID, key,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrEntryNotFound
	}
	if err != nil {
		return nil, s.wrap("get entry", err)
	}
	return e, nil
}

// entryOrder is the canonical processing order expressed in SQL.
const entryOrder = `occurred_at,
	CASE kind WHEN 'grant' THEN 0 WHEN 'adjustment' THEN 1 WHEN 'consume' THEN 2 WHEN 'expire' THEN 3 ELSE 4 END,
	id`

func (s *Store) ListEntries(ctx context.Context, orgID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	return s.listEntries(ctx, s.db, orgID, opts)
}

func (s *Store) listEntries(ctx context.Context, q querier, orgID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	var (
		where = []string{"organization_id = ?"}
		args  = []any{orgID}
	)
	if opts.Since != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, s.d.time(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, s.d.time(*opts.Until))
	}

	limit := int64(math.MaxInt64)
	if opts.Limit > 0 {
		limit = int64(opts.Limit)
	}
	args = append(args, limit, int64(max(opts.Offset, 0)))

	query := `SELECT ` + entryColumns + ` FROM credit_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ` + entryOrder + `
		LIMIT ? OFFSET ?`

	rows, err := q.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, s.wrap("list entries", err)
	}
	return collect(rows, scanEntry, s.wrap)
}

func (s *Store) ListExpiringGrants(ctx context.Context, from, to time.Time) ([]*entry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+entryColumns+` FROM credit_entries
		WHERE kind = ? AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at < ?
		ORDER BY expires_at, id`),
		string(entry.KindGrant), s.d.time(from), s.d.time(to),
	)
	if err != nil {
		return nil, s.wrap("list expiring grants", err)
	}
	return collect(rows, scanEntry, s.wrap)
}

// ==================== Subscriptions ====================

func (s *Store) GetSubscription(ctx context.Context, orgID string) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+subscriptionColumns+` FROM credit_subscriptions WHERE organization_id = ?`),
		orgID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, s.wrap("get subscription", err)
	}
	return sub, nil
}

func (s *Store) ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+subscriptionColumns+` FROM credit_subscriptions
		WHERE status IN (?, ?) AND current_period_end <= ?
		ORDER BY current_period_end, id
		LIMIT ?`),
		string(subscription.StatusActive), string(subscription.StatusTrialing),
		s.d.time(before), int64(limit),
	)
	if err != nil {
		return nil, s.wrap("list due subscriptions", err)
	}
	return collect(rows, scanSubscription, s.wrap)
}

func (s *Store) UpdateCancellation(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE credit_subscriptions
		SET status = ?, cancel_at_period_end = ?, canceled_at = ?, cancel_reason = ?,
			current_period_end = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?`),
		string(sub.Status), sub.CancelAtPeriodEnd, s.d.nullTime(sub.CanceledAt), sub.CancelReason,
		s.d.time(sub.CurrentPeriodEnd), s.d.time(sub.UpdatedAt),
		sub.ID.String(), sub.OrganizationID,
	)
	if err != nil {
		return s.wrap("update cancellation", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return s.wrap("update cancellation", err)
	} else if n == 0 {
		return credits.ErrSubscriptionNotFound
	}
	return nil
}

// RenewSubscription advances the period only if it still ends at
// prevPeriodEnd, and writes the renewal grant in the same transaction.
func (s *Store) RenewSubscription(ctx context.Context, sub *subscription.Subscription, prevPeriodEnd time.Time, grant *entry.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE credit_subscriptions
			SET status = ?, current_period_start = ?, current_period_end = ?,
				cancel_at_period_end = ?, canceled_at = ?, updated_at = ?
			WHERE id = ? AND current_period_end = ?`),
			string(sub.Status), s.d.time(sub.CurrentPeriodStart), s.d.time(sub.CurrentPeriodEnd),
			sub.CancelAtPeriodEnd, s.d.nullTime(sub.CanceledAt), s.d.time(sub.UpdatedAt),
			sub.ID.String(), s.d.time(prevPeriodEnd),
		)
		if err != nil {
			return s.wrap("renew subscription", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.wrap("renew subscription", err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.d.rebind(
				`SELECT 1 FROM credit_subscriptions WHERE id = ?`), sub.ID.String(),
			).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return credits.ErrSubscriptionNotFound
			}
			if err != nil {
				return s.wrap("renew subscription", err)
			}
			return credits.ErrConflict
		}
		if grant != nil {
			return s.insertEntry(ctx, tx, grant)
		}
		return nil
	})
}

func (s *Store) upsertSubscription(ctx context.Context, q querier, sub *subscription.Subscription) error {
	args, err := s.subscriptionArgs(sub)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.d.rebind(
		`INSERT INTO credit_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			id = excluded.id,
			plan_snapshot = excluded.plan_snapshot,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			canceled_at = excluded.canceled_at,
			cancel_reason = excluded.cancel_reason,
			checkout_session_id = excluded.checkout_session_id,
			provider_customer_id = excluded.provider_customer_id,
			provider_subscription_id = excluded.provider_subscription_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`),
		args...,
	)
	if err != nil {
		return s.wrap("upsert subscription", err)
	}
	return nil
}

// ==================== Checkout sessions ====================

func (s *Store) CreateSession(ctx context.Context, sess *checkout.Session) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO credit_checkout_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.sessionArgs(sess)...,
	)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return credits.ErrAlreadyExists
		}
		return s.wrap("create session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*checkout.Session, error) {
	return s.getSession(ctx, s.db, sessionID)
}

func (s *Store) getSession(ctx context.Context, q querier, sessionID string) (*checkout.Session, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+sessionColumns+` FROM credit_checkout_sessions WHERE id = ?`),
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrSessionNotFound
	}
	if err != nil {
		return nil, s.wrap("get session", err)
	}
	return sess, nil
}

func (s *Store) MarkSessionProcessing(ctx context.Context, sessionID string) error {
	return s.updateUnprocessed(ctx, s.db, sessionID,
		`status = ?, attempts = attempts + 1`, string(checkout.StatusProcessing))
}

func (s *Store) MarkSessionFailed(ctx context.Context, sessionID, reason string) error {
	return s.updateUnprocessed(ctx, s.db, sessionID,
		`status = ?, last_error = ?`, string(checkout.StatusFailed), reason)
}

func (s *Store) MarkSessionExpired(ctx context.Context, sessionID string) error {
	return s.updateUnprocessed(ctx, s.db, sessionID,
		`status = ?`, string(checkout.StatusExpired))
}

// updateUnprocessed applies set to the session only while it has no
// processed marker. A miss is resolved to ErrSessionNotFound or
// ErrAlreadyProcessed.
func (s *Store) updateUnprocessed(ctx context.Context, q querier, sessionID, set string, args ...any) error {
	args = append(args, s.d.time(time.Now()), sessionID)
	res, err := q.ExecContext(ctx, s.d.rebind(
		`UPDATE credit_checkout_sessions SET `+set+`, updated_at = ?
		WHERE id = ? AND processed_at IS NULL`),
		args...,
	)
	if err != nil {
		return s.wrap("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update session", err)
	}
	if n == 0 {
		return s.sessionMiss(ctx, q, sessionID)
	}
	return nil
}

func (s *Store) sessionMiss(ctx context.Context, q querier, sessionID string) error {
	if _, err := s.getSession(ctx, q, sessionID); err != nil {
		return err
	}
	return credits.ErrAlreadyProcessed
}

// CompleteSession claims the processed marker and applies the effect in one
// transaction. Losing the claim, or a duplicate grant, rolls everything back.
func (s *Store) CompleteSession(ctx context.Context, eff *checkout.Effect) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE credit_checkout_sessions
			SET processed_at = ?, status = ?, credits_granted = ?, last_error = '', updated_at = ?
			WHERE id = ? AND processed_at IS NULL`),
			s.d.time(eff.ProcessedAt), string(checkout.StatusCompleted), eff.CreditsGranted(),
			s.d.time(eff.ProcessedAt), eff.SessionID,
		)
		if err != nil {
			return s.wrap("claim session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.wrap("claim session", err)
		}
		if n == 0 {
			return s.sessionMiss(ctx, tx, eff.SessionID)
		}

		if eff.Grant != nil {
			if err := s.insertEntry(ctx, tx, eff.Grant); err != nil {
				return err
			}
		}
		if eff.Subscription != nil {
			if err := s.upsertSubscription(ctx, tx, eff.Subscription); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Organizations ====================

func (s *Store) UpsertOrganization(ctx context.Context, o *organization.Organization) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO credit_organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			billing_email = excluded.billing_email,
			identity_key = excluded.identity_key,
			updated_at = excluded.updated_at`),
		o.ID, o.Name, o.BillingEmail, o.IdentityKey, s.d.time(o.CreatedAt), s.d.time(o.UpdatedAt),
	)
	if err != nil {
		return s.wrap("upsert organization", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (*organization.Organization, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+organizationColumns+` FROM credit_organizations WHERE id = ?`),
		orgID,
	)
	o, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, s.wrap("get organization", err)
	}
	return o, nil
}

func (s *Store) ListOrganizationsByIdentity(ctx context.Context, identityKey string) ([]*organization.Organization, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+organizationColumns+` FROM credit_organizations
		WHERE identity_key = ? ORDER BY id`),
		identityKey,
	)
	if err != nil {
		return nil, s.wrap("list organizations", err)
	}
	out, err := collect(rows, scanOrganization, s.wrap)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*organization.Organization{}
	}
	return out, nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error), wrap func(string, error) error) ([]*T, error) {
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, wrap("scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("rows", err)
	}
	return out, nil
}
