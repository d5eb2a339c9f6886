package audit

import (
	"context"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/logger"
)

// LoggerSink writes claim events to the application log under component=audit.
type LoggerSink struct {
	logger *logger.Logger
}

// NewLoggerSink creates a new audit sink
func NewLoggerSink(logger *logger.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.WithComponent("audit")}
}

func (s *LoggerSink) Record(ctx context.Context, event entities.AuditEvent) error {
	s.logger.Infow("Claim",
		"user_id", event.RequesterID,
		"username", event.RequesterName,
		"category", event.Category,
		"label", event.Category.Label(),
		"at", event.At,
	)
	return nil
}
