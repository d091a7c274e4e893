package backstop

import "github.com/khaacho/backstop/id"

// ID is the primary identifier type for all Backstop entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
