package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/ports"
)

type cachedCount struct {
	count     atomic.Int64
	updatedAt atomic.Int64 // unix nanos, 0 until the first refresh

	mu        sync.Mutex // serialises stores
	storedGen uint64     // generation of the refresh behind count
}

// StockCache keeps the last known record count per category. Reads never
// touch storage and never block; counts may lag until the next refresh.
type StockCache struct {
	store      ports.LineStore
	categories []entities.Category
	counts     map[entities.Category]*cachedCount
	gen        atomic.Uint64
	metrics    *metrics.Recorder
	logger     *logger.Logger
}

// NewStockCache creates a cache for the fixed category set. Every count
// starts as entities.UnknownCount.
func NewStockCache(store ports.LineStore, categories []entities.Category, recorder *metrics.Recorder, logger *logger.Logger) *StockCache {
	counts := make(map[entities.Category]*cachedCount, len(categories))
	for _, c := range categories {
		cc := &cachedCount{}
		cc.count.Store(entities.UnknownCount)
		counts[c] = cc
	}

	return &StockCache{
		store:      store,
		categories: append([]entities.Category(nil), categories...),
		counts:     counts,
		metrics:    recorder,
		logger:     logger.WithComponent("stock_cache"),
	}
}

// Refresh recounts category from storage. On error the previous value is kept.
// A count read before a newer refresh was stored is discarded.
func (c *StockCache) Refresh(ctx context.Context, category entities.Category) error {
	cc, ok := c.counts[category]
	if !ok {
		return entities.ErrUnknownCategory
	}

	gen := c.gen.Add(1)
	n, err := c.store.Count(ctx, category)
	if err != nil {
		return err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if gen < cc.storedGen {
		return nil
	}
	cc.storedGen = gen
	cc.count.Store(int64(n))
	cc.updatedAt.Store(time.Now().UnixNano())
	c.metrics.SetStockLevel(string(category), int64(n))

	return nil
}

// RefreshAll refreshes every category, logging individual failures.
func (c *StockCache) RefreshAll(ctx context.Context) {
	for _, category := range c.categories {
		if err := c.Refresh(ctx, category); err != nil {
			c.logger.Warnw("Failed to refresh stock count", "category", category, "error", err)
		}
	}
}

// Run refreshes all categories now and then every interval until ctx is done.
func (c *StockCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshAll(ctx)
		}
	}
}

// Get returns the cached count and whether it has been refreshed at least once.
func (c *StockCache) Get(category entities.Category) (int64, bool) {
	cc, ok := c.counts[category]
	if !ok {
		return entities.UnknownCount, false
	}
	n := cc.count.Load()
	return n, n != entities.UnknownCount
}

// Snapshot returns every category's cached level in configured order.
func (c *StockCache) Snapshot() []entities.StockLevel {
	levels := make([]entities.StockLevel, 0, len(c.categories))
	for _, category := range c.categories {
		cc := c.counts[category]
		level := entities.StockLevel{
			Category: category,
			Label:    category.Label(),
			Count:    cc.count.Load(),
		}
		level.Known = level.Count != entities.UnknownCount
		if ts := cc.updatedAt.Load(); ts != 0 {
			level.UpdatedAt = time.Unix(0, ts).UTC()
		}
		levels = append(levels, level)
	}
	return levels
}
