// Package fake is an in-memory checkout.Provider for tests and local
// development. Sessions are completed or expired by calling the
// corresponding methods, standing in for a customer at the payment page.
package fake

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"sync"

	credits "github.com/inspect360/credits"
	"github.com/inspect360/credits/checkout"
)

var _ checkout.Provider = (*Provider)(nil)

type Provider struct {
	mu       sync.Mutex
	sessions map[string]*checkout.ProviderSession
	seq      int

	// Pending failures for FetchSession
	failures int
	failErr  error

	fetches int
}

func New() *Provider {
	return &Provider{sessions: make(map[string]*checkout.ProviderSession)}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) CreateSession(ctx context.Context, params checkout.CreateParams) (*checkout.ProviderSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("cs_fake_%04d", p.seq)
	ps := &checkout.ProviderSession{
		ID:         id,
		URL:        "https://checkout.fake.test/pay/" + id,
		Status:     checkout.ProviderOpen,
		Kind:       params.Kind,
		Amount:     params.Amount,
		CustomerID: fmt.Sprintf("cus_fake_%04d", p.seq),
		Metadata:   maps.Clone(params.Metadata),
	}
	if params.Recurring {
		ps.ProviderSubscriptionID = fmt.Sprintf("sub_fake_%04d", p.seq)
	}
	p.sessions[id] = ps

	out := *ps
	return &out, nil
}

func (p *Provider) FetchSession(ctx context.Context, sessionID string) (*checkout.ProviderSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.fetches++
	if p.failures > 0 {
		p.failures--
		return nil, p.failErr
	}

	ps, ok := p.sessions[sessionID]
	if !ok {
		return nil, credits.ErrSessionNotFound
	}
	out := *ps
	out.Metadata = maps.Clone(ps.Metadata)
	return &out, nil
}

func (p *Provider) OpenBillingPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "https://billing.fake.test/" + customerID + "?return=" + url.QueryEscape(returnURL), nil
}

// ──────────────────────────────────────────────────
// Test controls
// ──────────────────────────────────────────────────

// Complete marks a session paid.
func (p *Provider) Complete(sessionID string) {
	p.setStatus(sessionID, checkout.ProviderComplete, true)
}

// CompleteUnpaid marks a session complete with its payment still settling,
// as with bank debits.
func (p *Provider) CompleteUnpaid(sessionID string) {
	p.setStatus(sessionID, checkout.ProviderComplete, false)
}

// Expire marks a session abandoned.
func (p *Provider) Expire(sessionID string) {
	p.setStatus(sessionID, checkout.ProviderExpired, false)
}

// Put registers a session as if it had been created elsewhere.
func (p *Provider) Put(ps *checkout.ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *ps
	stored.Metadata = maps.Clone(ps.Metadata)
	p.sessions[ps.ID] = &stored
}

// FailNext makes the next n FetchSession calls return err. A nil err uses
// credits.ErrProviderUnavailable.
func (p *Provider) FailNext(n int, err error) {
	if err == nil {
		err = credits.ErrProviderUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.failErr = err
}

// Fetches counts FetchSession calls.
func (p *Provider) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *Provider) setStatus(sessionID string, status checkout.ProviderStatus, paid bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ps, ok := p.sessions[sessionID]; ok {
		ps.Status = status
		ps.Paid = paid
	}
}
