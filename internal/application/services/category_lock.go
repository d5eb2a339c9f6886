package services

import (
	"context"
	"fmt"

	"github.com/stockd/core/internal/domain/entities"
)

// LockTable holds one exclusive lock per configured category. The table is
// fixed at construction; locks are never added or removed afterwards.
type LockTable struct {
	locks map[entities.Category]chan struct{}
}

// NewLockTable creates a lock for every category.
func NewLockTable(categories []entities.Category) *LockTable {
	locks := make(map[entities.Category]chan struct{}, len(categories))
	for _, c := range categories {
		locks[c] = make(chan struct{}, 1)
	}
	return &LockTable{locks: locks}
}

// Lock acquires the category's lock, waiting until it is free or ctx is done.
// The returned function releases it and must be called exactly once.
func (t *LockTable) Lock(ctx context.Context, category entities.Category) (func(), error) {
	ch, ok := t.locks[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entities.ErrUnknownCategory, category)
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Has reports whether category is part of the table.
func (t *LockTable) Has(category entities.Category) bool {
	_, ok := t.locks[category]
	return ok
}
