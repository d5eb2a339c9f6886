package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/ports"
)

// RestockRequest starts one interactive restock.
type RestockRequest struct {
	AdminID  string
	Prompter ports.Prompter
	// Observer, if set, is called on every state transition.
	Observer func(ports.RestockState)
}

// RestockService drives the select-category, upload, append protocol.
type RestockService struct {
	queue      ports.StockQueueService
	categories []entities.Category
	cfg        config.RestockConfig
	logger     *logger.Logger
}

// NewRestockService creates a new restock service
func NewRestockService(queue ports.StockQueueService, categories []entities.Category, cfg config.RestockConfig, logger *logger.Logger) *RestockService {
	return &RestockService{
		queue:      queue,
		categories: categories,
		cfg:        cfg,
		logger:     logger.WithComponent("restock"),
	}
}

// Run executes the protocol. Nothing is written unless both responses arrive
// in time and the payload is usable. The category lock is only held inside the
// final append.
func (s *RestockService) Run(ctx context.Context, req RestockRequest) (*ports.RestockResult, error) {
	state := ports.RestockState{}
	emit := func(step entities.RestockStep, deadline *time.Time) {
		state.Step = step
		state.Deadline = deadline
		if req.Observer != nil {
			req.Observer(state)
		}
	}
	fail := func(err error) (*ports.RestockResult, error) {
		state.Error = err.Error()
		if errors.Is(err, entities.ErrTimeout) {
			emit(entities.RestockStepTimedOut, nil)
		} else {
			emit(entities.RestockStepFailed, nil)
		}
		s.logger.LogRestock(req.AdminID, string(state.Category), 0, err)
		return nil, err
	}

	// Step 1: category
	msg, err := s.await(ctx, req.Prompter, s.cfg.CategoryTimeout, func(m entities.Message) bool {
		return s.matchCategory(m.Content) != ""
	}, func(d time.Time) { emit(entities.RestockStepAwaitCategory, &d) })
	if err != nil {
		return fail(err)
	}
	state.Category = s.matchCategory(msg.Content)

	// Step 2: payload
	msg, err = s.await(ctx, req.Prompter, s.cfg.PayloadTimeout, func(m entities.Message) bool {
		return len(m.Attachments) > 0
	}, func(d time.Time) { emit(entities.RestockStepAwaitPayload, &d) })
	if err != nil {
		return fail(err)
	}

	attachment := msg.Attachments[0]
	if !strings.HasSuffix(strings.ToLower(attachment.Filename), ".txt") {
		return fail(fmt.Errorf("%w: %s is not a .txt file", entities.ErrInvalidPayload, attachment.Filename))
	}

	// Step 3: append
	emit(entities.RestockStepAppending, nil)
	added, err := s.queue.Restock(ctx, state.Category, attachment.Data)
	if err != nil {
		return fail(err)
	}

	state.Added = added
	emit(entities.RestockStepCompleted, nil)
	s.logger.LogRestock(req.AdminID, string(state.Category), added, nil)

	return &ports.RestockResult{Category: state.Category, Added: added}, nil
}

// await waits for one accepted message within timeout. A missed deadline is
// reported as entities.ErrTimeout; cancellation of the parent ctx is returned as is.
func (s *RestockService) await(ctx context.Context, p ports.Prompter, timeout time.Duration, accept func(entities.Message) bool, started func(time.Time)) (entities.Message, error) {
	deadline := time.Now().Add(timeout)
	started(deadline)

	stepCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	msg, err := p.Await(stepCtx, accept)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return entities.Message{}, entities.ErrTimeout
		}
		return entities.Message{}, err
	}
	return msg, nil
}

// matchCategory resolves a free-text reply to a configured category.
func (s *RestockService) matchCategory(content string) entities.Category {
	want := entities.ParseCategory(content)
	for _, c := range s.categories {
		if c == want {
			return c
		}
	}
	return ""
}
