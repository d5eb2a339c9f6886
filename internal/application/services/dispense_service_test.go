package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/ports"
)

// Mock Deliverer
type mockDeliverer struct {
	mu        sync.Mutex
	forbidden map[string]bool
	delivered map[string][]entities.Record
}

func newMockDeliverer() *mockDeliverer {
	return &mockDeliverer{
		forbidden: make(map[string]bool),
		delivered: make(map[string][]entities.Record),
	}
}

func (m *mockDeliverer) Deliver(ctx context.Context, recipientID, label string, record entities.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forbidden[recipientID] {
		return entities.ErrRecipientForbidden
	}
	m.delivered[recipientID] = append(m.delivered[recipientID], record)
	return nil
}

// Mock AuditSink
type mockAudit struct {
	mu     sync.Mutex
	events []entities.AuditEvent
	err    error
}

func (m *mockAudit) Record(ctx context.Context, event entities.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func newDispenseFixture(t *testing.T) (*queueFixture, *mockDeliverer, *mockAudit, *DispenseService) {
	t.Helper()
	f := newQueueFixture(t)
	deliverer := newMockDeliverer()
	audit := &mockAudit{}
	svc := NewDispenseService(f.queue, deliverer, audit, nil, logger.NewNop())
	return f, deliverer, audit, svc
}

func TestDispenseService_Delivered(t *testing.T) {
	f, deliverer, audit, svc := newDispenseFixture(t)
	f.seed(t, "vcc", "A1\nA2\n")

	result, err := svc.Dispense(context.Background(), ports.DispenseRequest{
		RequesterID:   "u1",
		RequesterName: "alice",
		Category:      "vcc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != entities.DispenseOutcomeDelivered {
		t.Errorf("expected delivered, got %s", result.Outcome)
	}
	if result.Label != "VCC" {
		t.Errorf("expected label VCC, got %s", result.Label)
	}

	if got := deliverer.delivered["u1"]; len(got) != 1 || got[0] != "A1" {
		t.Errorf("expected A1 delivered to u1, got %v", got)
	}

	if len(audit.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(audit.events))
	}
	if ev := audit.events[0]; ev.RequesterName != "alice" || ev.Category != "vcc" {
		t.Errorf("unexpected audit event %+v", ev)
	}
}

func TestDispenseService_OutOfStock(t *testing.T) {
	_, deliverer, audit, svc := newDispenseFixture(t)

	result, err := svc.Dispense(context.Background(), ports.DispenseRequest{RequesterID: "u1", Category: "mcacc"})
	if !errors.Is(err, entities.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if result.Outcome != entities.DispenseOutcomeOutOfStock {
		t.Errorf("expected out_of_stock, got %s", result.Outcome)
	}
	if len(deliverer.delivered) != 0 || len(audit.events) != 0 {
		t.Error("out of stock must have no side effects")
	}
}

// A record popped for a recipient who cannot receive it is lost: it is not
// returned to the store. This asserts that behaviour explicitly.
func TestDispenseService_DeliveryFailedConsumesRecord(t *testing.T) {
	f, deliverer, audit, svc := newDispenseFixture(t)
	f.seed(t, "vcc", "A1\nA2\n")
	deliverer.forbidden["u1"] = true
	ctx := context.Background()

	result, err := svc.Dispense(ctx, ports.DispenseRequest{RequesterID: "u1", Category: "vcc"})
	if !errors.Is(err, entities.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !errors.Is(err, entities.ErrRecipientForbidden) {
		t.Errorf("expected the delivery cause to be kept, got %v", err)
	}
	if result.Outcome != entities.DispenseOutcomeDeliveryFailed {
		t.Errorf("expected delivery_failed, got %s", result.Outcome)
	}
	if len(audit.events) != 0 {
		t.Error("failed delivery must not be audited as a claim")
	}

	if n, _ := f.store.Count(ctx, "vcc"); n != 1 {
		t.Errorf("expected A1 to be gone from the store, %d records left", n)
	}

	// The requester retries after fixing their inbox and gets the next record.
	deliverer.forbidden["u1"] = false
	if _, err := svc.Dispense(ctx, ports.DispenseRequest{RequesterID: "u1", Category: "vcc"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := deliverer.delivered["u1"]; len(got) != 1 || got[0] != "A2" {
		t.Errorf("expected A2 on retry, got %v", got)
	}
}

func TestDispenseService_AuditFailureDoesNotFail(t *testing.T) {
	f, deliverer, audit, svc := newDispenseFixture(t)
	f.seed(t, "vcc", "A1\n")
	audit.err = errors.New("log channel gone")

	result, err := svc.Dispense(context.Background(), ports.DispenseRequest{RequesterID: "u1", Category: "vcc"})
	if err != nil {
		t.Fatalf("audit failure must not fail the dispense: %v", err)
	}
	if result.Outcome != entities.DispenseOutcomeDelivered {
		t.Errorf("expected delivered, got %s", result.Outcome)
	}
	if len(deliverer.delivered["u1"]) != 1 {
		t.Error("record should still be delivered")
	}
}

func TestDispenseService_StorageErrorIsReported(t *testing.T) {
	svc := NewDispenseService(failingQueue{}, newMockDeliverer(), &mockAudit{}, nil, logger.NewNop())

	result, err := svc.Dispense(context.Background(), ports.DispenseRequest{RequesterID: "u1", Category: "vcc"})
	if !errors.Is(err, entities.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if result.Outcome != entities.DispenseOutcomeError {
		t.Errorf("expected error outcome, got %s", result.Outcome)
	}
}

type failingQueue struct{}

func (failingQueue) Dispense(ctx context.Context, category entities.Category) (entities.Record, error) {
	return "", entities.ErrStorageUnavailable
}

func (failingQueue) Restock(ctx context.Context, category entities.Category, payload []byte) (int, error) {
	return 0, entities.ErrStorageUnavailable
}

func (failingQueue) Count(ctx context.Context, category entities.Category) (int, error) {
	return 0, entities.ErrStorageUnavailable
}
