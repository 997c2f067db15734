// Package outbox implements the transactional outbox: events are written in
// the same transaction as the business rows they announce, then published
// asynchronously with at-least-once delivery.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeweft/internal/domain"
	"codeweft/internal/repo"
)

// Event names carried through the outbox.
const (
	EventFindingCreated = "finding-created"
)

// FindingCreated is the payload schema of a finding-created event.
type FindingCreated struct {
	FindingID      int64  `json:"finding_id"`
	RunID          string `json:"run_id"`
	RelationshipID string `json:"relationship_id"`
	ProducerID     string `json:"producer_id"`
}

// Writer appends outbox events inside the caller's transaction. The event and
// the business data it announces commit or roll back together.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID, eventName string, payload any) (domain.OutboxEvent, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	e := domain.OutboxEvent{
		ID:          uuid.New().String(),
		RunID:       runID,
		EventName:   eventName,
		PayloadJSON: string(data),
		Status:      domain.OutboxPending,
		CreatedAt:   now().UTC().Format(time.RFC3339),
	}
	r := repo.Repo{}
	if err := r.InsertOutboxEventTx(ctx, tx, e); err != nil {
		return domain.OutboxEvent{}, err
	}
	return e, nil
}
