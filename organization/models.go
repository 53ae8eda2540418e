// Package organization holds the billing identity of an organization, used
// to detect several organizations paid for by the same person.
package organization

import (
	"context"
	"strings"

	"github.com/inspect360/credits/types"
)

type Organization struct {
	types.Entity
	ID           string `json:"id"`
	Name         string `json:"name"`
	BillingEmail string `json:"billing_email"`
	// IdentityKey is the normalized billing email.
	IdentityKey string `json:"identity_key"`
}

// NormalizeIdentity maps an email (or other identity) to its grouping key.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

type Store interface {
	UpsertOrganization(ctx context.Context, o *Organization) error
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
	ListOrganizationsByIdentity(ctx context.Context, identityKey string) ([]*Organization, error)
}

// Member is one organization's share of an identity aggregate.
type Member struct {
	OrganizationID string `json:"orgId"`
	Name           string `json:"name,omitempty"`
	Credits        int64  `json:"credits"`
}

// Aggregate is the read-only duplicate-identity report.
type Aggregate struct {
	IdentityKey   string   `json:"identityKey"`
	Organizations []Member `json:"organizations"`
	Total         int64    `json:"total"`
	HasDuplicates bool     `json:"hasDuplicates"`
}
