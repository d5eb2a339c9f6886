package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/ports"
)

const (
	maxUploadBytes    = 8 << 20
	sessionInboxDepth = 8
)

// restockSession is one running restock. It is the Prompter for its own run:
// messages posted by the owner are queued on inbox and consumed by Await.
type restockSession struct {
	id      string
	ownerID string
	inbox   chan entities.Message
	cancel  context.CancelFunc

	mu    sync.Mutex
	state ports.RestockState
}

func (s *restockSession) Await(ctx context.Context, accept func(entities.Message) bool) (entities.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return entities.Message{}, ctx.Err()
		case m := <-s.inbox:
			if accept(m) {
				return m, nil
			}
		}
	}
}

func (s *restockSession) observe(state ports.RestockState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.SessionID = s.id
	s.state = state
}

func (s *restockSession) snapshot() ports.RestockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestockHandler runs interactive restocks over HTTP. Each session lives in
// memory until its run ends and the retention period passes.
type RestockHandler struct {
	restockService *services.RestockService
	baseCtx        context.Context
	retention      time.Duration
	logger         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*restockSession
	wg       sync.WaitGroup
}

// NewRestockHandler creates a new restock handler. Sessions are cancelled
// when baseCtx is done.
func NewRestockHandler(baseCtx context.Context, restockService *services.RestockService, retention time.Duration, logger *logger.Logger) *RestockHandler {
	return &RestockHandler{
		restockService: restockService,
		baseCtx:        baseCtx,
		retention:      retention,
		logger:         logger,
		sessions:       make(map[string]*restockSession),
	}
}

// Start opens a new restock session for the caller
func (h *RestockHandler) Start(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	session := &restockSession{
		id:      uuid.NewString(),
		ownerID: claims.UserID,
		inbox:   make(chan entities.Message, sessionInboxDepth),
		cancel:  cancel,
	}

	// The first state is published by the service before it waits, so make
	// sure Start never answers with an empty step.
	started := make(chan struct{})
	var once sync.Once

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		defer once.Do(func() { close(started) })

		_, err := h.restockService.Run(ctx, services.RestockRequest{
			AdminID:  claims.UserID,
			Prompter: session,
			Observer: func(state ports.RestockState) {
				session.observe(state)
				once.Do(func() { close(started) })
			},
		})
		if err != nil {
			h.logger.Debugw("Restock session ended", "session_id", session.id, "error", err)
		}

		time.AfterFunc(h.retention, func() { h.remove(session.id) })
	}()

	<-started

	return c.JSON(http.StatusAccepted, RestockResponse{State: session.snapshot()})
}

// Get returns the current state of a session
func (h *RestockHandler) Get(c echo.Context) error {
	session, err := h.ownedSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RestockResponse{State: session.snapshot()})
}

// PostMessage feeds a reply to a waiting session. Replies are either JSON
// {"content": "..."} or multipart with an optional "content" field and a "file".
func (h *RestockHandler) PostMessage(c echo.Context) error {
	session, err := h.ownedSession(c)
	if err != nil {
		return err
	}

	if session.snapshot().Step.IsTerminal() {
		return echo.NewHTTPError(http.StatusGone, "Restock session already finished")
	}

	msg, err := readMessage(c)
	if err != nil {
		return err
	}
	msg.AuthorID = session.ownerID

	select {
	case session.inbox <- msg:
	default:
		return echo.NewHTTPError(http.StatusTooManyRequests, "Too many pending messages")
	}

	return c.JSON(http.StatusAccepted, RestockResponse{State: session.snapshot()})
}

// Cancel aborts a session before it appends anything
func (h *RestockHandler) Cancel(c echo.Context) error {
	session, err := h.ownedSession(c)
	if err != nil {
		return err
	}
	session.cancel()
	return c.JSON(http.StatusOK, MessageResponse{Message: "Restock cancelled"})
}

// Wait blocks until every session goroutine has returned
func (h *RestockHandler) Wait() {
	h.wg.Wait()
}

func (h *RestockHandler) ownedSession(c echo.Context) (*restockSession, error) {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
	}

	h.mu.Lock()
	session, ok := h.sessions[c.Param("id")]
	h.mu.Unlock()

	// Sessions of other admins are reported as missing.
	if !ok || session.ownerID != claims.UserID {
		return nil, mapError(entities.ErrSessionNotFound)
	}
	return session, nil
}

func (h *RestockHandler) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func readMessage(c echo.Context) (entities.Message, error) {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return entities.Message{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid request format")
	}
	msg := entities.Message{Content: req.Content}

	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return msg, nil
		}
		return entities.Message{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid file upload")
	}

	if fh.Size > maxUploadBytes {
		return entities.Message{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("File larger than %d bytes", maxUploadBytes))
	}

	f, err := fh.Open()
	if err != nil {
		return entities.Message{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid file upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return entities.Message{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid file upload")
	}

	msg.Attachments = append(msg.Attachments, entities.Attachment{
		Filename: fh.Filename,
		Data:     data,
	})
	return msg, nil
}
