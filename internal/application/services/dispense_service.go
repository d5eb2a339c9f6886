package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/ports"
)

// DispenseService hands one record to a requester per call.
type DispenseService struct {
	queue     ports.StockQueueService
	deliverer ports.Deliverer
	audit     ports.AuditSink
	metrics   *metrics.Recorder
	logger    *logger.Logger
}

// NewDispenseService creates a new dispense service
func NewDispenseService(queue ports.StockQueueService, deliverer ports.Deliverer, audit ports.AuditSink, recorder *metrics.Recorder, logger *logger.Logger) *DispenseService {
	return &DispenseService{
		queue:     queue,
		deliverer: deliverer,
		audit:     audit,
		metrics:   recorder,
		logger:    logger.WithComponent("dispense"),
	}
}

// Dispense pops a record and delivers it to the requester.
//
// The record is removed from the store before delivery is attempted. When
// delivery fails the record is not put back: the result carries
// DispenseOutcomeDeliveryFailed and the error wraps entities.ErrDeliveryFailed.
func (s *DispenseService) Dispense(ctx context.Context, req ports.DispenseRequest) (*ports.DispenseResult, error) {
	result := &ports.DispenseResult{
		Category: req.Category,
		Label:    req.Category.Label(),
	}

	record, err := s.queue.Dispense(ctx, req.Category)
	switch {
	case errors.Is(err, entities.ErrOutOfStock):
		result.Outcome = entities.DispenseOutcomeOutOfStock
		s.finish(req, result, nil)
		return result, err
	case err != nil:
		result.Outcome = entities.DispenseOutcomeError
		s.finish(req, result, err)
		return result, err
	}

	if err := s.deliverer.Deliver(ctx, req.RequesterID, result.Label, record); err != nil {
		result.Outcome = entities.DispenseOutcomeDeliveryFailed
		s.finish(req, result, err)
		return result, fmt.Errorf("%w: %w", entities.ErrDeliveryFailed, err)
	}

	result.Outcome = entities.DispenseOutcomeDelivered
	s.finish(req, result, nil)

	event := entities.AuditEvent{
		RequesterID:   req.RequesterID,
		RequesterName: req.RequesterName,
		Category:      req.Category,
		At:            time.Now().UTC(),
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warnw("Failed to write audit event", "user_id", req.RequesterID, "category", req.Category, "error", err)
	}

	return result, nil
}

func (s *DispenseService) finish(req ports.DispenseRequest, result *ports.DispenseResult, err error) {
	s.metrics.RecordDispense(string(req.Category), string(result.Outcome))
	s.logger.LogDispense(req.RequesterID, string(req.Category), string(result.Outcome), err)
}
