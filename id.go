package credits

import "github.com/inspect360/credits/id"

// ID is the identifier type for ledger entries, subscriptions and events.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
