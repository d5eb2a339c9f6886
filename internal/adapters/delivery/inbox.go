package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/stockd/core/internal/domain/entities"
)

type mailbox struct {
	closed     bool
	deliveries []entities.Delivery
}

// Inbox is an in-memory private mailbox per recipient. Mailboxes are open
// until their owner closes them; delivering to a closed mailbox fails with
// entities.ErrRecipientForbidden.
type Inbox struct {
	mu    sync.Mutex
	boxes map[string]*mailbox
}

// NewInbox creates an empty inbox
func NewInbox() *Inbox {
	return &Inbox{boxes: make(map[string]*mailbox)}
}

func (i *Inbox) box(recipientID string) *mailbox {
	b, ok := i.boxes[recipientID]
	if !ok {
		b = &mailbox{}
		i.boxes[recipientID] = b
	}
	return b
}

func (i *Inbox) Deliver(ctx context.Context, recipientID, label string, record entities.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	b := i.box(recipientID)
	if b.closed {
		return entities.ErrRecipientForbidden
	}

	b.deliveries = append(b.deliveries, entities.Delivery{
		Category:    entities.ParseCategory(label),
		Label:       label,
		Record:      record,
		DeliveredAt: time.Now().UTC(),
	})
	return nil
}

// SetOpen opens or closes a recipient's mailbox
func (i *Inbox) SetOpen(recipientID string, open bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.box(recipientID).closed = !open
}

// IsOpen reports whether deliveries to recipientID are accepted
func (i *Inbox) IsOpen(recipientID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.boxes[recipientID]
	return !ok || !b.closed
}

// Drain returns and removes every pending delivery for recipientID
func (i *Inbox) Drain(recipientID string) []entities.Delivery {
	i.mu.Lock()
	defer i.mu.Unlock()

	b, ok := i.boxes[recipientID]
	if !ok || len(b.deliveries) == 0 {
		return []entities.Delivery{}
	}
	out := b.deliveries
	b.deliveries = nil
	return out
}
