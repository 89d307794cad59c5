package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/domain"
)

// BatchEvent is the broker payload announcing that a batch reached a terminal status.
type BatchEvent struct {
	BatchID      string             `json:"batchId"`
	RunID        string             `json:"runId,omitempty"`
	Status       domain.BatchStatus `json:"status"`
	TargetDate   string             `json:"targetDate"`
	SuccessCount int                `json:"successCount"`
	ResultCount  int                `json:"resultCount"`
	OccurredAt   time.Time          `json:"occurredAt"`
}

func (e BatchEvent) Validate() error {
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("%w: batchId is required", domain.ErrValidation)
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", domain.ErrValidation, e.Status)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt is required", domain.ErrValidation)
	}
	return nil
}
