package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/ports"
)

// StockQueue pops and appends records under the category lock.
type StockQueue struct {
	store   ports.LineStore
	locks   *LockTable
	cache   *StockCache
	metrics *metrics.Recorder
	logger  *logger.Logger
}

// NewStockQueue creates a new stock queue. cache may be nil when no cached
// counts are kept, e.g. for one-shot CLI commands.
func NewStockQueue(store ports.LineStore, locks *LockTable, cache *StockCache, recorder *metrics.Recorder, logger *logger.Logger) *StockQueue {
	return &StockQueue{
		store:   store,
		locks:   locks,
		cache:   cache,
		metrics: recorder,
		logger:  logger.WithComponent("stock_queue"),
	}
}

// Dispense removes and returns the oldest record of category.
func (q *StockQueue) Dispense(ctx context.Context, category entities.Category) (entities.Record, error) {
	unlock, err := q.locks.Lock(ctx, category)
	if err != nil {
		return "", err
	}
	record, err := q.store.PopFirst(ctx, category)
	unlock()

	if errors.Is(err, entities.ErrNotFound) {
		return "", entities.ErrOutOfStock
	}
	if err != nil {
		return "", fmt.Errorf("pop %s: %w", category, err)
	}

	return record, nil
}

// Restock appends the non-blank lines of payload to category and returns how
// many records were added.
func (q *StockQueue) Restock(ctx context.Context, category entities.Category, payload []byte) (int, error) {
	if !q.locks.Has(category) {
		return 0, fmt.Errorf("%w: %s", entities.ErrUnknownCategory, category)
	}

	records, err := ParsePayload(payload)
	if err != nil {
		return 0, err
	}

	unlock, err := q.locks.Lock(ctx, category)
	if err != nil {
		return 0, err
	}
	err = q.store.AppendMany(ctx, category, records)
	unlock()

	if err != nil {
		return 0, fmt.Errorf("append %s: %w", category, err)
	}

	q.metrics.RecordRestock(string(category), len(records))

	if q.cache != nil {
		if err := q.cache.Refresh(ctx, category); err != nil {
			q.logger.Warnw("Failed to refresh stock after restock", "category", category, "error", err)
		}
	}

	return len(records), nil
}

// Count returns the stored record count without taking the lock.
func (q *StockQueue) Count(ctx context.Context, category entities.Category) (int, error) {
	if !q.locks.Has(category) {
		return 0, fmt.Errorf("%w: %s", entities.ErrUnknownCategory, category)
	}
	return q.store.Count(ctx, category)
}

// ParsePayload decodes a restock upload into records: UTF-8 text, one record
// per line, surrounding whitespace trimmed and blank lines dropped. A bare
// CR or any other Unicode line boundary also ends a line.
func ParsePayload(payload []byte) ([]entities.Record, error) {
	payload = bytes.TrimPrefix(payload, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: not valid UTF-8 text", entities.ErrInvalidPayload)
	}

	var records []entities.Record
	for _, line := range strings.FieldsFunc(string(payload), isLineBoundary) {
		if line = strings.TrimSpace(line); line != "" {
			records = append(records, entities.Record(line))
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records found", entities.ErrInvalidPayload)
	}

	return records, nil
}

func isLineBoundary(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}
