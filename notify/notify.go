// Package notify tells interested parties that an organization's ledger
// changed so they can pull fresh balance state. Events carry no balance
// figures; consumers recompute.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inspect360/credits/id"
)

// Reasons attached to ledger-changed events.
const (
	ReasonEntryAppended   = "entry_appended"
	ReasonCheckout        = "checkout_completed"
	ReasonRenewal         = "subscription_renewed"
	ReasonExpiry          = "credits_expired"
	ReasonSubscriptionEnd = "subscription_canceled"
)

// Event announces a change to one organization's ledger.
type Event struct {
	ID             id.EventID `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Reason         string     `json:"reason"`
	OccurredAt     time.Time  `json:"occurredAt"`
}

// NewEvent stamps a new event for orgID.
func NewEvent(orgID, reason string) Event {
	return Event{
		ID:             id.NewEventID(),
		OrganizationID: orgID,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	}
}

// Publisher delivers ledger-changed events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every publisher and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, p := range pubs {
			if err := p.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ──────────────────────────────────────────────────
// In-process broker
// ──────────────────────────────────────────────────

// Broker is an in-process Publisher with per-organization subscriptions.
// Slow subscribers lose events rather than block publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewBroker creates a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for orgID and a cancel func that
// closes it.
func (b *Broker) Subscribe(orgID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.subs[orgID] == nil {
		b.subs[orgID] = make(map[chan Event]struct{})
	}
	b.subs[orgID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[orgID], ch)
			if len(b.subs[orgID]) == 0 {
				delete(b.subs, orgID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.OrganizationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}
