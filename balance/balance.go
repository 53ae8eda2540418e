// Package balance derives an organization's credit balance from its ledger.
//
// Nothing here is stored: Compute replays the entries in canonical order
// every time, so the result is valid for any consistent prefix of the
// ledger and is independent of the order entries were read in.
package balance

import (
	"sort"
	"time"

	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/id"
)

// Batch is the remaining quantity of one grant (or positive adjustment).
type Batch struct {
	GrantID   id.EntryID   `json:"grant_id"`
	Source    entry.Source `json:"source"`
	GrantedAt time.Time    `json:"granted_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Granted   int64        `json:"granted"`
	Remaining int64        `json:"remaining"`
	Consumed  int64        `json:"consumed"`
	Expired   int64        `json:"expired"`

	// Lapsed is set when asOf is past ExpiresAt. LapsedQuantity is the part
	// of Expired that no expire entry has recorded yet.
	Lapsed         bool  `json:"lapsed,omitempty"`
	LapsedQuantity int64 `json:"lapsed_quantity,omitempty"`
}

func (b *Batch) eligible(t time.Time) bool {
	return b.Remaining > 0 && (b.ExpiresAt == nil || !t.After(*b.ExpiresAt))
}

// Result is a derived balance.
type Result struct {
	AsOf      time.Time `json:"as_of"`
	Available int64     `json:"available"`
	Consumed  int64     `json:"consumed"`
	Expired   int64     `json:"expired"`
	Granted   int64     `json:"granted"`
	Adjusted  int64     `json:"adjusted"`
	// Overdraft is debit that found no eligible batch. It is settled by the
	// next grant and makes Available negative while outstanding.
	Overdraft int64    `json:"overdraft"`
	Batches   []*Batch `json:"batches,omitempty"`
}

// Batch returns the batch opened by grantID, or nil.
func (r *Result) Batch(grantID id.EntryID) *Batch {
	for _, b := range r.Batches {
		if b.GrantID == grantID {
			return b
		}
	}
	return nil
}

// Compute replays entries up to and including asOf. The input slice is not
// modified.
func Compute(entries []*entry.Entry, asOf time.Time) *Result {
	ordered := make([]*entry.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.OccurredAt.After(asOf) {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return entry.Less(ordered[i], ordered[j]) })

	r := &Result{AsOf: asOf}
	byID := make(map[string]*Batch)

	for _, e := range ordered {
		switch {
		case e.IsGrantLike():
			qty := e.Quantity
			if e.Kind == entry.KindGrant {
				r.Granted += qty
			} else {
				r.Adjusted += qty
			}
			settled := min(qty, r.Overdraft)
			r.Overdraft -= settled

			b := &Batch{
				GrantID:   e.ID,
				Source:    e.Source,
				GrantedAt: e.OccurredAt,
				ExpiresAt: e.ExpiresAt,
				Granted:   qty,
				Remaining: qty - settled,
				Consumed:  settled,
			}
			r.Batches = append(r.Batches, b)
			byID[e.ID.String()] = b

		case e.Kind == entry.KindConsume:
			r.Consumed += -e.Quantity
			r.Overdraft += r.debit(e.OccurredAt, -e.Quantity, func(b *Batch, n int64) { b.Consumed += n })

		case e.Kind == entry.KindAdjustment:
			r.Adjusted += e.Quantity
			r.Overdraft += r.debit(e.OccurredAt, -e.Quantity, func(b *Batch, n int64) { b.Consumed += n })

		case e.Kind == entry.KindExpire:
			want := -e.Quantity
			if b, ok := byID[e.Reference]; ok {
				n := min(want, b.Remaining)
				b.Remaining -= n
				b.Expired += n
				r.Expired += n
				continue
			}
			unmatched := r.debit(e.OccurredAt, want, func(b *Batch, n int64) { b.Expired += n })
			r.Expired += want - unmatched
		}
	}

	for _, b := range r.Batches {
		if b.ExpiresAt != nil && asOf.After(*b.ExpiresAt) {
			b.Lapsed = true
			if b.Remaining > 0 {
				b.LapsedQuantity = b.Remaining
				b.Expired += b.Remaining
				r.Expired += b.Remaining
				b.Remaining = 0
			}
		}
	}

	for _, b := range r.Batches {
		r.Available += b.Remaining
	}
	r.Available -= r.Overdraft

	return r
}

// debit takes amount from eligible batches at time t: batches that expire
// first, oldest grant first, then non-expiring batches in the same order.
// It returns the part it could not place.
func (r *Result) debit(t time.Time, amount int64, record func(*Batch, int64)) int64 {
	for _, expiring := range []bool{true, false} {
		for _, b := range r.Batches {
			if amount == 0 {
				return 0
			}
			if (b.ExpiresAt != nil) != expiring || !b.eligible(t) {
				continue
			}
			n := min(amount, b.Remaining)
			b.Remaining -= n
			record(b, n)
			amount -= n
		}
	}
	return amount
}
