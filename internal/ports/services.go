package ports

import (
	"context"
	"time"

	"github.com/stockd/core/internal/domain/entities"
)

// Deliverer hands a dispensed record to its recipient.
type Deliverer interface {
	// Deliver returns entities.ErrRecipientForbidden when the recipient
	// cannot receive the record.
	Deliver(ctx context.Context, recipientID, label string, record entities.Record) error
}

// AuditSink receives best-effort audit events.
type AuditSink interface {
	Record(ctx context.Context, event entities.AuditEvent) error
}

// Prompter supplies responses to an interactive restock.
type Prompter interface {
	// Await blocks until a message satisfying accept arrives or ctx is done.
	// Messages rejected by accept are discarded.
	Await(ctx context.Context, accept func(entities.Message) bool) (entities.Message, error)
}

// StockQueueService defines the stock operations exposed to coordinators.
type StockQueueService interface {
	Dispense(ctx context.Context, category entities.Category) (entities.Record, error)
	Restock(ctx context.Context, category entities.Category, payload []byte) (int, error)
	Count(ctx context.Context, category entities.Category) (int, error)
}

// StockReader exposes cached stock levels.
type StockReader interface {
	Get(category entities.Category) (int64, bool)
	Snapshot() []entities.StockLevel
}

// Request/Response Types

type DispenseRequest struct {
	RequesterID   string            `json:"requester_id" validate:"required"`
	RequesterName string            `json:"requester_name"`
	Category      entities.Category `json:"category" validate:"required"`
}

type DispenseResult struct {
	Category entities.Category        `json:"category"`
	Label    string                   `json:"label"`
	Outcome  entities.DispenseOutcome `json:"outcome"`
}

type RestockState struct {
	SessionID string               `json:"session_id,omitempty"`
	Step      entities.RestockStep `json:"step"`
	Category  entities.Category    `json:"category,omitempty"`
	Deadline  *time.Time           `json:"deadline,omitempty"`
	Added     int                  `json:"added,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type RestockResult struct {
	Category entities.Category `json:"category"`
	Added    int               `json:"added"`
}

// Claims are the identity attributes carried by a bearer token.
type Claims struct {
	UserID           string            `json:"user_id"`
	Username         string            `json:"username"`
	Role             entities.UserRole `json:"role"`
	AccountCreatedAt time.Time         `json:"account_created_at"`
}
