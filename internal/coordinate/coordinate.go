// Package coordinate closes the loop between the outbox and the manifest:
// published finding-created events become validation jobs, and the
// coordinator folds each validated finding into the evidence manifest,
// scheduling reconciliation the moment an entry seals.
package coordinate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"codeweft/internal/domain"
	"codeweft/internal/events"
	"codeweft/internal/manifest"
	"codeweft/internal/outbox"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
)

const (
	defaultIdleWait = 500 * time.Millisecond
	reloadWait      = 50 * time.Millisecond
)

// Sink feeds published outbox events into the queue as validation jobs.
// Re-publishing the same event enqueues a duplicate job; the coordinator is
// idempotent, so duplicates are harmless.
type Sink struct {
	Queue *queue.Queue
}

func (s Sink) Publish(ctx context.Context, e domain.OutboxEvent) error {
	if e.EventName != outbox.EventFindingCreated {
		return fmt.Errorf("no consumer for event %q", e.EventName)
	}
	var payload outbox.FindingCreated
	if err := json.Unmarshal([]byte(e.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventName, err)
	}
	_, err := s.Queue.Enqueue(ctx, e.RunID, queue.Spec{
		Kind:    domain.JobFindingValidation,
		Path:    payload.RelationshipID,
		Payload: payload,
	})
	return err
}

type Coordinator struct {
	DB       *sql.DB
	Queue    *queue.Queue
	Repo     repo.Repo
	Manifest *manifest.Manifest
	Events   events.Writer
	Owner    string
	IdleWait time.Duration
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

func New(db *sql.DB, q *queue.Queue, m *manifest.Manifest, owner string) *Coordinator {
	return &Coordinator{
		DB:       db,
		Queue:    q,
		Repo:     repo.Repo{DB: db},
		Manifest: m,
		Owner:    owner,
		IdleWait: defaultIdleWait,
		Now:      time.Now,
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ProcessOne claims and handles one validation job. Reports whether a job was
// claimed.
func (c *Coordinator) ProcessOne(ctx context.Context) (bool, error) {
	j, err := c.Queue.Claim(ctx, "", c.Owner, domain.JobFindingValidation)
	if err == queue.ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.handle(ctx, j); err != nil {
		c.logf("coordinator %s: job %s failed: %v", c.Owner, j.ID, err)
		if _, failErr := c.Queue.Fail(ctx, j, err); failErr != nil {
			return true, failErr
		}
	}
	return true, nil
}

func (c *Coordinator) handle(ctx context.Context, j domain.Job) error {
	if j.PayloadJSON == nil {
		return errors.New("validation job without payload")
	}
	var payload outbox.FindingCreated
	if err := json.Unmarshal([]byte(*j.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	f, err := c.Repo.GetFinding(ctx, payload.FindingID)
	if errors.Is(err, repo.ErrNotFound) {
		// one spaced-out reload covers a reader racing the writer's commit
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reloadWait):
		}
		f, err = c.Repo.GetFinding(ctx, payload.FindingID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		c.logf("coordinator %s: finding %d not found, discarding event for %s",
			c.Owner, payload.FindingID, payload.RelationshipID)
		return c.Queue.Complete(ctx, j.ID)
	}
	if err != nil {
		return err
	}

	sealed, err := c.Manifest.Record(ctx, f)
	if err != nil {
		return fmt.Errorf("record %s in manifest: %w", f.RelationshipID, err)
	}
	if sealed {
		if err := c.scheduleReconciliation(ctx, f); err != nil {
			return err
		}
	}
	return c.Queue.Complete(ctx, j.ID)
}

// scheduleReconciliation enqueues the relationship's reconciliation job under
// a deterministic id, so a redelivered sealing event cannot enqueue it twice.
func (c *Coordinator) scheduleReconciliation(ctx context.Context, f domain.Finding) error {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(f.RunID+"|"+domain.JobReconciliation+"|"+f.RelationshipID)).String()
	if _, err := c.Repo.GetJob(ctx, id); err == nil {
		return nil // already scheduled
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	_, err := c.Queue.Enqueue(ctx, f.RunID, queue.Spec{
		ID:      id,
		Kind:    domain.JobReconciliation,
		Path:    f.RelationshipID,
		Payload: map[string]any{"relationship_id": f.RelationshipID},
	})
	if err != nil {
		// a concurrent coordinator may have won the insert
		if _, getErr := c.Repo.GetJob(ctx, id); getErr == nil {
			return nil
		}
		return fmt.Errorf("schedule reconciliation for %s: %w", f.RelationshipID, err)
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Events.Append(ctx, tx, "relationship-sealed", f.RunID, "relationship", f.RelationshipID, events.EventPayload{
		"producer": f.ProducerID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Run polls for validation work until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	wait := c.IdleWait
	if wait <= 0 {
		wait = defaultIdleWait
	}
	for {
		claimed, err := c.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			c.logf("coordinator %s: %v", c.Owner, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
