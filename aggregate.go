package credits

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/inspect360/credits/organization"
)

const aggregateWorkers = 8

// RegisterOrganization records an organization's billing identity. An
// empty IdentityKey is derived from BillingEmail.
func (e *Engine) RegisterOrganization(ctx context.Context, o *organization.Organization) error {
	if o.ID == "" {
		return ValidationError{Field: "id", Message: "is required"}
	}
	key := o.IdentityKey
	if key == "" {
		key = o.BillingEmail
	}
	o.IdentityKey = organization.NormalizeIdentity(key)

	now := e.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	return e.store.UpsertOrganization(ctx, o)
}

// AggregateCredits reports the balance of every organization sharing a
// billing identity. It reads only; duplicates are surfaced, never merged.
func (e *Engine) AggregateCredits(ctx context.Context, identity string) (*organization.Aggregate, error) {
	key := organization.NormalizeIdentity(identity)
	if key == "" {
		return nil, ValidationError{Field: "identityKey", Message: "is required"}
	}

	orgs, err := e.store.ListOrganizationsByIdentity(ctx, key)
	if err != nil {
		return nil, err
	}

	asOf := e.now().UTC()
	members := make([]organization.Member, len(orgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregateWorkers)
	for i, o := range orgs {
		g.Go(func() error {
			bal, err := e.Balance(gctx, o.ID, asOf)
			if err != nil {
				return err
			}
			members[i] = organization.Member{
				OrganizationID: o.ID,
				Name:           o.Name,
				Credits:        bal.Available,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(members, func(a, b organization.Member) int {
		return strings.Compare(a.OrganizationID, b.OrganizationID)
	})

	return &organization.Aggregate{
		IdentityKey:   key,
		Organizations: members,
		Total:         lo.SumBy(members, func(m organization.Member) int64 { return m.Credits }),
		HasDuplicates: len(members) > 1,
	}, nil
}
