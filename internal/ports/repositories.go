package ports

import (
	"context"
	"time"

	"github.com/stockd/core/internal/domain/entities"
)

// LineStore defines the interface for per-category record storage.
//
// PopFirst and AppendMany are not atomic on their own; callers serialize them
// with the category lock. Count may run concurrently with mutations and return
// a slightly stale answer.
type LineStore interface {
	Count(ctx context.Context, category entities.Category) (int, error)
	PopFirst(ctx context.Context, category entities.Category) (entities.Record, error)
	AppendMany(ctx context.Context, category entities.Category, records []entities.Record) error
}

// CooldownStore defines the interface for per-requester attempt throttling.
type CooldownStore interface {
	// Allow consumes the requester's attempt. When denied it reports how long
	// until the next attempt is allowed.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Reset clears the requester's cooldown.
	Reset(ctx context.Context, key string) error
}
