package credits

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/inspect360/credits/balance"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
	"github.com/inspect360/credits/notify"
)

const listPageSize = 500

// GrantRequest describes a manual or purchased grant.
type GrantRequest struct {
	OrganizationID string
	Quantity       int64
	// Source defaults to entry.SourceManual.
	Source         entry.Source
	ExpiresAt      *time.Time
	IdempotencyKey string
	Notes          string
}

// ──────────────────────────────────────────────────
// Ledger writes
// ──────────────────────────────────────────────────

// Append validates and stores a ledger entry. When the entry carries an
// idempotency key that is already stored for the organization, the stored
// entry is returned and nothing is written.
func (e *Engine) Append(ctx context.Context, en *entry.Entry) (*entry.Entry, error) {
	if en.OccurredAt.IsZero() {
		en.OccurredAt = e.now().UTC()
	}
	if err := en.Validate(); err != nil {
		return nil, validationFromEntry(err)
	}

	if en.IdempotencyKey != "" {
		existing, err := e.store.GetEntryByIdempotencyKey(ctx, en.OrganizationID, en.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
	}

	if en.ID.IsNil() {
		en.ID = id.NewEntryID()
	}
	en.CreatedAt = e.now().UTC()

	if err := e.store.AppendEntry(ctx, en); err != nil {
		// A concurrent writer stored the same key first.
		if errors.Is(err, ErrDuplicateEntry) && en.IdempotencyKey != "" {
			return e.store.GetEntryByIdempotencyKey(ctx, en.OrganizationID, en.IdempotencyKey)
		}
		return nil, err
	}

	e.plugins.EmitEntryAppended(ctx, en)
	e.announce(ctx, en.OrganizationID, notify.ReasonEntryAppended)
	return en, nil
}

// GrantCredits appends a grant. Grants without ExpiresAt never lapse.
func (e *Engine) GrantCredits(ctx context.Context, req GrantRequest) (*entry.Entry, error) {
	source := req.Source
	if source == "" {
		source = entry.SourceManual
	}
	if req.Quantity <= 0 {
		return nil, ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return e.Append(ctx, &entry.Entry{
		OrganizationID: req.OrganizationID,
		Kind:           entry.KindGrant,
		Quantity:       req.Quantity,
		Source:         source,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: req.IdempotencyKey,
		Notes:          req.Notes,
	})
}

// Adjust appends a signed correction. Positive adjustments open a
// non-expiring batch; negative ones debit like consumption.
func (e *Engine) Adjust(ctx context.Context, orgID string, quantity int64, notes, idempotencyKey string) (*entry.Entry, error) {
	return e.Append(ctx, &entry.Entry{
		OrganizationID: orgID,
		Kind:           entry.KindAdjustment,
		Quantity:       quantity,
		Source:         entry.SourceManual,
		IdempotencyKey: idempotencyKey,
		Notes:          notes,
	})
}

// ConsumeInspection spends one credit for a completed inspection. Repeating
// the call for the same inspection returns the original entry. The balance
// check and the append happen atomically in the store, so concurrent calls
// never spend more than the organization holds.
func (e *Engine) ConsumeInspection(ctx context.Context, orgID, inspectionID string) (*entry.Entry, error) {
	if orgID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}
	if inspectionID == "" {
		return nil, ValidationError{Field: "inspection_id", Message: "is required"}
	}

	key := "inspection:" + inspectionID
	if existing, err := e.store.GetEntryByIdempotencyKey(ctx, orgID, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	now := e.now().UTC()
	en := &entry.Entry{
		ID:             id.NewEntryID(),
		OrganizationID: orgID,
		Kind:           entry.KindConsume,
		Quantity:       -1,
		Source:         entry.SourceUsage,
		OccurredAt:     now,
		IdempotencyKey: key,
		Reference:      inspectionID,
		CreatedAt:      now,
	}
	if err := en.Validate(); err != nil {
		return nil, validationFromEntry(err)
	}

	if err := e.store.AppendDebit(ctx, en); err != nil {
		var insufficient *InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			e.plugins.EmitInsufficientCredits(ctx, orgID, insufficient.Requested, insufficient.Available)
			return nil, insufficient
		case errors.Is(err, ErrDuplicateEntry):
			// The same inspection was consumed concurrently.
			return e.store.GetEntryByIdempotencyKey(ctx, orgID, key)
		}
		return nil, err
	}

	e.plugins.EmitEntryAppended(ctx, en)
	e.announce(ctx, orgID, notify.ReasonEntryAppended)
	return en, nil
}

// ──────────────────────────────────────────────────
// Ledger reads
// ──────────────────────────────────────────────────

// Balance derives the organization's balance from its ledger as of asOf.
// A zero asOf means now.
func (e *Engine) Balance(ctx context.Context, orgID string, asOf time.Time) (*balance.Result, error) {
	if orgID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}
	if asOf.IsZero() {
		asOf = e.now().UTC()
	}

	entries, err := e.listAll(ctx, orgID, &asOf)
	if err != nil {
		return nil, err
	}
	return balance.Compute(entries, asOf), nil
}

// Ledger returns the organization's entries newest first. A positive limit
// truncates the list.
func (e *Engine) Ledger(ctx context.Context, orgID string, limit int) ([]*entry.Entry, error) {
	if orgID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}

	entries, err := e.listAll(ctx, orgID, nil)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b *entry.Entry) int {
		switch {
		case entry.Less(b, a):
			return -1
		case entry.Less(a, b):
			return 1
		}
		return 0
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (e *Engine) listAll(ctx context.Context, orgID string, until *time.Time) ([]*entry.Entry, error) {
	var all []*entry.Entry
	for offset := 0; ; offset += listPageSize {
		page, err := e.store.ListEntries(ctx, orgID, entry.ListOpts{
			Until:  until,
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

func validationFromEntry(err error) error {
	var inv *entry.ErrInvalid
	if errors.As(err, &inv) {
		return ValidationError{Field: inv.Field, Message: inv.Message}
	}
	return err
}
