package chainbill

import "github.com/xraph/chainbill/id"

// ID is the primary identifier type for all Chainbill entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
