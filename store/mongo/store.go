// Package mongo is the MongoDB backend. Multi-document writes run in
// transactions, so the deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/balance"
	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/organization"
	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/subscription"
)

// Collection name constants.
const (
	colEntries       = "credit_entries"
	colSubscriptions = "credit_subscriptions"
	colSessions      = "credit_checkout_sessions"
	colOrganizations = "credit_organizations"
	colDebitLocks    = "credit_debit_locks"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri and uses the named database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credits/mongo: ping: %w", err)
	}
	return New(client, database), nil
}

// New wraps a connected client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// withTx runs fn inside a transaction with its own session.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("credits/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// ==================== Ledger entries ====================

func (s *Store) AppendEntry(ctx context.Context, e *entry.Entry) error {
	return s.insertEntry(ctx, e)
}

func (s *Store) insertEntry(ctx context.Context, e *entry.Entry) error {
	if _, err := s.col(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrDuplicateEntry
		}
		return fmt.Errorf("credits/mongo: append entry: %w", err)
	}
	return nil
}

// AppendDebit bumps a per-organization lock document inside the
// transaction, so concurrent debits write-conflict and WithTransaction
// retries the loser against the updated ledger.
func (s *Store) AppendDebit(ctx context.Context, e *entry.Entry) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		_, err := s.col(colDebitLocks).UpdateOne(ctx,
			bson.M{"_id": e.OrganizationID},
			bson.M{"$inc": bson.M{"debits": 1}},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("credits/mongo: lock organization: %w", err)
		}
		if e.IdempotencyKey != "" {
			_, err := s.GetEntryByIdempotencyKey(ctx, e.OrganizationID, e.IdempotencyKey)
			if err == nil {
				return credits.ErrDuplicateEntry
			}
			if !errors.Is(err, credits.ErrEntryNotFound) {
				return err
			}
		}

		at := e.OccurredAt
		entries, err := s.ListEntries(ctx, e.OrganizationID, entry.ListOpts{Until: &at})
		if err != nil {
			return err
		}
		if avail := balance.Compute(entries, at).Available; avail < -e.Quantity {
			return &credits.InsufficientCreditsError{Requested: -e.Quantity, Available: avail}
		}
		return s.insertEntry(ctx, e)
	})
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, orgID, key string) (*entry.Entry, error) {
	var m entryModel
	err := s.col(colEntries).FindOne(ctx, bson.M{"organization_id": orgID, "idempotency_key": key}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrEntryNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get entry: %w", err)
	}
	return fromEntryModel(&m)
}

func (s *Store) ListEntries(ctx context.Context, orgID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	filter := bson.M{"organization_id": orgID}
	occurred := bson.M{}
	if opts.Since != nil {
		occurred["$gte"] = opts.Since.UTC()
	}
	if opts.Until != nil {
		occurred["$lte"] = opts.Until.UTC()
	}
	if len(occurred) > 0 {
		filter["occurred_at"] = occurred
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "occurred_at", Value: 1},
		{Key: "kind_rank", Value: 1},
		{Key: "_id", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	return s.findEntries(ctx, filter, findOpts)
}

func (s *Store) ListExpiringGrants(ctx context.Context, from, to time.Time) ([]*entry.Entry, error) {
	filter := bson.M{
		"kind":       string(entry.KindGrant),
		"expires_at": bson.M{"$gte": from.UTC(), "$lt": to.UTC()},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.findEntries(ctx, filter, findOpts)
}

func (s *Store) findEntries(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*entry.Entry, error) {
	cur, err := s.col(colEntries).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: list entries: %w", err)
	}
	var models []entryModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("credits/mongo: decode entries: %w", err)
	}

	out := make([]*entry.Entry, 0, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ==================== Subscriptions ====================

func (s *Store) GetSubscription(ctx context.Context, orgID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.col(colSubscriptions).FindOne(ctx, bson.M{"organization_id": orgID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	filter := bson.M{
		"status": bson.M{"$in": bson.A{
			string(subscription.StatusActive), string(subscription.StatusTrialing),
		}},
		"current_period_end": bson.M{"$lte": before.UTC()},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "current_period_end", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cur, err := s.col(colSubscriptions).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: list due subscriptions: %w", err)
	}
	var models []subscriptionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("credits/mongo: decode subscriptions: %w", err)
	}

	out := make([]*subscription.Subscription, 0, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) UpdateCancellation(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.col(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": sub.ID.String(), "organization_id": sub.OrganizationID},
		bson.M{"$set": bson.M{
			"status":               string(sub.Status),
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
			"canceled_at":          utcPtr(sub.CanceledAt),
			"cancel_reason":        sub.CancelReason,
			"current_period_end":   sub.CurrentPeriodEnd.UTC(),
			"updated_at":           sub.UpdatedAt.UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: update cancellation: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) RenewSubscription(ctx context.Context, sub *subscription.Subscription, prevPeriodEnd time.Time, grant *entry.Entry) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		res, err := s.col(colSubscriptions).UpdateOne(ctx,
			bson.M{"_id": sub.ID.String(), "current_period_end": prevPeriodEnd.UTC()},
			bson.M{"$set": bson.M{
				"status":               string(sub.Status),
				"current_period_start": sub.CurrentPeriodStart.UTC(),
				"current_period_end":   sub.CurrentPeriodEnd.UTC(),
				"cancel_at_period_end": sub.CancelAtPeriodEnd,
				"canceled_at":          utcPtr(sub.CanceledAt),
				"updated_at":           sub.UpdatedAt.UTC(),
			}},
		)
		if err != nil {
			return fmt.Errorf("credits/mongo: renew subscription: %w", err)
		}
		if res.MatchedCount == 0 {
			n, err := s.col(colSubscriptions).CountDocuments(ctx, bson.M{"_id": sub.ID.String()})
			if err != nil {
				return fmt.Errorf("credits/mongo: renew subscription: %w", err)
			}
			if n == 0 {
				return credits.ErrSubscriptionNotFound
			}
			return credits.ErrConflict
		}
		if grant != nil {
			return s.insertEntry(ctx, grant)
		}
		return nil
	})
}

// ==================== Checkout sessions ====================

func (s *Store) CreateSession(ctx context.Context, sess *checkout.Session) error {
	if _, err := s.col(colSessions).InsertOne(ctx, toSessionModel(sess)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*checkout.Session, error) {
	var m sessionModel
	err := s.col(colSessions).FindOne(ctx, bson.M{"_id": sessionID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrSessionNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get session: %w", err)
	}
	return fromSessionModel(&m), nil
}

func (s *Store) MarkSessionProcessing(ctx context.Context, sessionID string) error {
	return s.updateUnprocessed(ctx, sessionID, bson.M{
		"$set": bson.M{"status": string(checkout.StatusProcessing), "updated_at": time.Now().UTC()},
		"$inc": bson.M{"attempts": 1},
	})
}

func (s *Store) MarkSessionFailed(ctx context.Context, sessionID, reason string) error {
	return s.updateUnprocessed(ctx, sessionID, bson.M{
		"$set": bson.M{
			"status":     string(checkout.StatusFailed),
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		},
	})
}

func (s *Store) MarkSessionExpired(ctx context.Context, sessionID string) error {
	return s.updateUnprocessed(ctx, sessionID, bson.M{
		"$set": bson.M{"status": string(checkout.StatusExpired), "updated_at": time.Now().UTC()},
	})
}

func (s *Store) updateUnprocessed(ctx context.Context, sessionID string, update bson.M) error {
	res, err := s.col(colSessions).UpdateOne(ctx, bson.M{"_id": sessionID, "processed_at": nil}, update)
	if err != nil {
		return fmt.Errorf("credits/mongo: update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.sessionMiss(ctx, sessionID)
	}
	return nil
}

func (s *Store) sessionMiss(ctx context.Context, sessionID string) error {
	n, err := s.col(colSessions).CountDocuments(ctx, bson.M{"_id": sessionID})
	if err != nil {
		return fmt.Errorf("credits/mongo: get session: %w", err)
	}
	if n == 0 {
		return credits.ErrSessionNotFound
	}
	return credits.ErrAlreadyProcessed
}

// CompleteSession claims the processed marker and applies the effect in one
// transaction.
func (s *Store) CompleteSession(ctx context.Context, eff *checkout.Effect) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		at := eff.ProcessedAt.UTC()
		res, err := s.col(colSessions).UpdateOne(ctx,
			bson.M{"_id": eff.SessionID, "processed_at": nil},
			bson.M{"$set": bson.M{
				"processed_at":    at,
				"status":          string(checkout.StatusCompleted),
				"credits_granted": eff.CreditsGranted(),
				"last_error":      "",
				"updated_at":      at,
			}},
		)
		if err != nil {
			return fmt.Errorf("credits/mongo: claim session: %w", err)
		}
		if res.MatchedCount == 0 {
			return s.sessionMiss(ctx, eff.SessionID)
		}

		if eff.Grant != nil {
			if err := s.insertEntry(ctx, eff.Grant); err != nil {
				return err
			}
		}
		if eff.Subscription != nil {
			// The replacement carries a new _id, which ReplaceOne cannot change.
			subs := s.col(colSubscriptions)
			if _, err := subs.DeleteOne(ctx, bson.M{"organization_id": eff.Subscription.OrganizationID}); err != nil {
				return fmt.Errorf("credits/mongo: replace subscription: %w", err)
			}
			if _, err := subs.InsertOne(ctx, toSubscriptionModel(eff.Subscription)); err != nil {
				return fmt.Errorf("credits/mongo: replace subscription: %w", err)
			}
		}
		return nil
	})
}

// ==================== Organizations ====================

func (s *Store) UpsertOrganization(ctx context.Context, o *organization.Organization) error {
	_, err := s.col(colOrganizations).UpdateOne(ctx,
		bson.M{"_id": o.ID},
		bson.M{
			"$set": bson.M{
				"name":          o.Name,
				"billing_email": o.BillingEmail,
				"identity_key":  o.IdentityKey,
				"updated_at":    o.UpdatedAt.UTC(),
			},
			"$setOnInsert": bson.M{"created_at": o.CreatedAt.UTC()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: upsert organization: %w", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (*organization.Organization, error) {
	var m organizationModel
	err := s.col(colOrganizations).FindOne(ctx, bson.M{"_id": orgID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get organization: %w", err)
	}
	return fromOrganizationModel(&m), nil
}

func (s *Store) ListOrganizationsByIdentity(ctx context.Context, identityKey string) ([]*organization.Organization, error) {
	cur, err := s.col(colOrganizations).Find(ctx,
		bson.M{"identity_key": identityKey},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: list organizations: %w", err)
	}
	var models []organizationModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("credits/mongo: decode organizations: %w", err)
	}

	out := make([]*organization.Organization, 0, len(models))
	for i := range models {
		out = append(out, fromOrganizationModel(&models[i]))
	}
	return out, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "occurred_at", Value: 1}, {Key: "kind_rank", Value: 1}}},
			{
				Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
					"idempotency_key": bson.M{"$type": "string"},
				}),
			},
			{
				Keys: bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.M{
					"kind": string(entry.KindGrant),
				}),
			},
		},
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "organization_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "current_period_end", Value: 1}}},
		},
		colSessions: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}}},
		},
		colOrganizations: {
			{Keys: bson.D{{Key: "identity_key", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}
