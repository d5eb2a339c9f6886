package http

import (
	"errors"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stockd/core/internal/adapters/delivery"
	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/ports"
)

// StockHandler handles dispense and stock-level requests
type StockHandler struct {
	dispenseService *services.DispenseService
	stock           ports.StockReader
	cooldown        ports.CooldownStore
	categories      map[entities.Category]bool
	logger          *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(dispenseService *services.DispenseService, stock ports.StockReader, cooldown ports.CooldownStore, categories []entities.Category, logger *logger.Logger) *StockHandler {
	known := make(map[entities.Category]bool, len(categories))
	for _, c := range categories {
		known[c] = true
	}
	return &StockHandler{
		dispenseService: dispenseService,
		stock:           stock,
		cooldown:        cooldown,
		categories:      known,
		logger:          logger,
	}
}

// Gen dispenses one record of the requested category to the caller's inbox
func (h *StockHandler) Gen(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
	}

	category := entities.ParseCategory(c.Param("category"))
	if !h.categories[category] {
		return echo.NewHTTPError(http.StatusBadRequest, "Unknown category")
	}

	req := ports.DispenseRequest{
		RequesterID:   claims.UserID,
		RequesterName: claims.Username,
		Category:      category,
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()

	allowed, wait, err := h.cooldown.Allow(ctx, claims.UserID)
	if err != nil {
		h.logger.Errorw("Cooldown check failed", "error", err, "user_id", claims.UserID)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Cooldown unavailable")
	}
	if !allowed {
		retryAfter := int(math.Ceil(wait.Seconds()))
		return c.JSON(http.StatusTooManyRequests, CooldownResponse{
			Message:    "Cooldown active",
			RetryAfter: retryAfter,
		})
	}

	result, err := h.dispenseService.Dispense(ctx, req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, DispenseResponse{
			Message: "Check your inbox!",
			Result:  result,
		})
	case errors.Is(err, entities.ErrOutOfStock):
		return c.JSON(http.StatusNotFound, DispenseResponse{
			Message: result.Label + " is out of stock!",
			Result:  result,
		})
	case errors.Is(err, entities.ErrDeliveryFailed):
		return c.JSON(http.StatusConflict, DispenseResponse{
			Message: "Open your inbox and try again!",
			Result:  result,
		})
	default:
		// The failure is ours, so the attempt does not count against the caller.
		if resetErr := h.cooldown.Reset(ctx, claims.UserID); resetErr != nil {
			h.logger.Warnw("Failed to reset cooldown", "user_id", claims.UserID, "error", resetErr)
		}
		return mapError(err)
	}
}

// Stock returns the cached stock levels
func (h *StockHandler) Stock(c echo.Context) error {
	return c.JSON(http.StatusOK, StockResponse{Levels: h.stock.Snapshot()})
}

// InboxHandler exposes a caller's private deliveries
type InboxHandler struct {
	inbox  *delivery.Inbox
	logger *logger.Logger
}

// NewInboxHandler creates a new inbox handler
func NewInboxHandler(inbox *delivery.Inbox, logger *logger.Logger) *InboxHandler {
	return &InboxHandler{
		inbox:  inbox,
		logger: logger,
	}
}

// Get drains the caller's mailbox
func (h *InboxHandler) Get(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
	}

	return c.JSON(http.StatusOK, InboxResponse{
		Open:       h.inbox.IsOpen(claims.UserID),
		Deliveries: h.inbox.Drain(claims.UserID),
	})
}

// Update opens or closes the caller's mailbox
func (h *InboxHandler) Update(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
	}

	var req UpdateInboxRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	h.inbox.SetOpen(claims.UserID, *req.Open)

	return c.JSON(http.StatusOK, InboxResponse{
		Open:       *req.Open,
		Deliveries: []entities.Delivery{},
	})
}

// Utility functions and helper types

const claimsContextKey = "claims"

// SetClaims stores the authenticated identity on the request context
func SetClaims(c echo.Context, claims *ports.Claims) {
	c.Set(claimsContextKey, claims)
}

// ClaimsFromContext returns the authenticated identity or nil
func ClaimsFromContext(c echo.Context) *ports.Claims {
	claims, ok := c.Get(claimsContextKey).(*ports.Claims)
	if !ok {
		return nil
	}
	return claims
}

// mapError turns the stock error taxonomy into HTTP errors
func mapError(err error) error {
	switch {
	case errors.Is(err, entities.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, entities.ErrUnknownCategory):
		return echo.NewHTTPError(http.StatusBadRequest, "Unknown category")
	case errors.Is(err, entities.ErrOutOfStock):
		return echo.NewHTTPError(http.StatusNotFound, "Out of stock")
	case errors.Is(err, entities.ErrInvalidPayload):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, entities.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Restock session not found")
	case errors.Is(err, entities.ErrTimeout):
		return echo.NewHTTPError(http.StatusRequestTimeout, "Timed out")
	case errors.Is(err, entities.ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Stock storage unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

// Request/Response types

type UpdateInboxRequest struct {
	Open *bool `json:"open" validate:"required"`
}

type MessageRequest struct {
	Content string `json:"content" form:"content"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type CooldownResponse struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

type DispenseResponse struct {
	Message string                `json:"message"`
	Result  *ports.DispenseResult `json:"result"`
}

type StockResponse struct {
	Levels []entities.StockLevel `json:"levels"`
}

type InboxResponse struct {
	Open       bool                `json:"open"`
	Deliveries []entities.Delivery `json:"deliveries"`
}

type RestockResponse struct {
	State ports.RestockState `json:"state"`
}
