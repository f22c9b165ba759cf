package inbox_repo

import (
	"context"
	"time"
)

// Deduplicator remembers webhook event ids for a bounded window.
type Deduplicator interface {
	// Claim records id and reports true when it was not seen inside the window.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a redelivery can be processed again.
	Release(ctx context.Context, id string) error
}

const (
	DefaultTTL  = 24 * time.Hour
	DefaultSize = 10000
)
