package entities

import (
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound           = errors.New("no record stored")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInvalidPayload     = errors.New("invalid restock payload")
	ErrDeliveryFailed     = errors.New("record could not be delivered")
	ErrRecipientForbidden = errors.New("recipient does not accept deliveries")
	ErrTimeout            = errors.New("timed out waiting for response")
	ErrStorageUnavailable = errors.New("stock storage unavailable")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrSessionNotFound    = errors.New("restock session not found")
	ErrUnauthorized       = errors.New("unauthorized")
)

// UnknownCount marks a cached count that has not been refreshed yet.
const UnknownCount int64 = -1

// Category names one independent stock pool, e.g. "vcc".
type Category string

// ParseCategory normalizes user input into a Category.
func ParseCategory(s string) Category {
	return Category(strings.ToLower(strings.TrimSpace(s)))
}

// Label is the upper-cased display form used in messages.
func (c Category) Label() string {
	return strings.ToUpper(string(c))
}

func (c Category) String() string {
	return string(c)
}

// Record is one dispensable unit of stored text.
type Record string

// UserRole gates what a caller may do.
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleMember UserRole = "member"
	UserRoleGuest  UserRole = "guest"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleAdmin, UserRoleMember, UserRoleGuest:
		return true
	}
	return false
}

// DispenseOutcome is the terminal state of a dispense request.
type DispenseOutcome string

const (
	DispenseOutcomeDelivered      DispenseOutcome = "delivered"
	DispenseOutcomeOutOfStock     DispenseOutcome = "out_of_stock"
	DispenseOutcomeDeliveryFailed DispenseOutcome = "delivery_failed"
	DispenseOutcomeError          DispenseOutcome = "error"
)

// RestockStep is the state of an interactive restock.
type RestockStep string

const (
	RestockStepAwaitCategory RestockStep = "await_category"
	RestockStepAwaitPayload  RestockStep = "await_payload"
	RestockStepAppending     RestockStep = "appending"
	RestockStepCompleted     RestockStep = "completed"
	RestockStepTimedOut      RestockStep = "timed_out"
	RestockStepFailed        RestockStep = "failed"
)

// IsTerminal reports whether no further transitions happen after s.
func (s RestockStep) IsTerminal() bool {
	switch s {
	case RestockStepCompleted, RestockStepTimedOut, RestockStepFailed:
		return true
	}
	return false
}

// StockLevel is one entry of the cached stock snapshot.
type StockLevel struct {
	Category  Category  `json:"category"`
	Label     string    `json:"label"`
	Count     int64     `json:"count"`
	Known     bool      `json:"known"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// AuditEvent describes a successful dispense for the audit log.
type AuditEvent struct {
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	Category      Category  `json:"category"`
	At            time.Time `json:"at"`
}

// Attachment is a file carried by a prompt response.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is one response received while a restock awaits input.
type Message struct {
	AuthorID    string
	Content     string
	Attachments []Attachment
}

// Delivery is a record handed to a recipient's inbox.
type Delivery struct {
	Category    Category  `json:"category"`
	Label       string    `json:"label"`
	Record      Record    `json:"record"`
	DeliveredAt time.Time `json:"delivered_at"`
}
