// Package reconcile turns a sealed relationship's evidence into a verdict:
// score every finding, compare against the run's confidence threshold, and
// either promote the relationship for the graph build or discard it.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"codeweft/internal/domain"
	"codeweft/internal/events"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
	"codeweft/internal/score"
)

const defaultIdleWait = 500 * time.Millisecond

type Reconciler struct {
	DB       *sql.DB
	Queue    *queue.Queue
	Repo     repo.Repo
	Events   events.Writer
	Owner    string
	IdleWait time.Duration
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

func New(db *sql.DB, q *queue.Queue, owner string) *Reconciler {
	return &Reconciler{
		DB:       db,
		Queue:    q,
		Repo:     repo.Repo{DB: db},
		Owner:    owner,
		IdleWait: defaultIdleWait,
		Now:      time.Now,
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ProcessOne claims and reconciles one sealed relationship. Reports whether a
// job was claimed.
func (r *Reconciler) ProcessOne(ctx context.Context) (bool, error) {
	j, err := r.Queue.Claim(ctx, "", r.Owner, domain.JobReconciliation)
	if err == queue.ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.reconcile(ctx, j); err != nil {
		r.logf("reconciler %s: job %s failed: %v", r.Owner, j.ID, err)
		if _, failErr := r.Queue.Fail(ctx, j, err); failErr != nil {
			return true, failErr
		}
	}
	return true, nil
}

func (r *Reconciler) reconcile(ctx context.Context, j domain.Job) error {
	relID := j.Path
	if relID == "" {
		return errors.New("reconciliation job without relationship id")
	}
	run, err := r.Repo.GetRun(ctx, j.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", j.RunID, err)
	}
	findings, err := r.Repo.ListFindings(ctx, j.RunID, relID)
	if err != nil {
		return fmt.Errorf("load findings for %s: %w", relID, err)
	}
	if len(findings) == 0 {
		// a sealed entry always has at least one finding behind it; a miss
		// here means the event outran the data and a retry will see it
		return fmt.Errorf("no findings for sealed relationship %s", relID)
	}

	evidence := make([]score.Evidence, 0, len(findings))
	for _, f := range findings {
		evidence = append(evidence, score.Evidence{
			InitialScore: f.InitialScore,
			Boosts:       f.Boosts,
			Penalties:    f.Penalties,
		})
	}
	confidence := score.Score(evidence)
	now := r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if confidence > run.Threshold {
		first := findings[0]
		if err := r.Repo.UpsertRelationshipTx(ctx, tx, domain.Relationship{
			RunID:           j.RunID,
			RelationshipID:  relID,
			SourceEntityID:  first.SourceEntityID,
			TargetEntityID:  first.TargetEntityID,
			Type:            first.RelationshipType,
			Confidence:      confidence,
			EvidenceSummary: summarize(findings),
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return fmt.Errorf("upsert relationship %s: %w", relID, err)
		}
		if err := r.Events.Append(ctx, tx, "relationship-accepted", j.RunID, "relationship", relID, events.EventPayload{
			"confidence": confidence, "threshold": run.Threshold, "findings": len(findings),
		}); err != nil {
			return err
		}
	} else {
		r.logf("reconciler %s: relationship %s discarded: confidence %.1f <= threshold %.1f",
			r.Owner, relID, confidence, run.Threshold)
		if err := r.Events.Append(ctx, tx, "relationship-discarded", j.RunID, "relationship", relID, events.EventPayload{
			"confidence": confidence, "threshold": run.Threshold, "findings": len(findings),
		}); err != nil {
			return err
		}
	}
	if err := r.Repo.MarkManifestReconciledTx(ctx, tx, j.RunID, relID, now); err != nil {
		return fmt.Errorf("mark manifest reconciled for %s: %w", relID, err)
	}
	if err := r.Repo.CompleteJobTx(ctx, tx, j.ID, now); err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}
	return tx.Commit()
}

func summarize(findings []domain.Finding) string {
	producers := make([]string, 0, len(findings))
	for _, f := range findings {
		producers = append(producers, f.ProducerID)
	}
	return strings.Join(producers, ",")
}

// Run polls for reconciliation work until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	wait := r.IdleWait
	if wait <= 0 {
		wait = defaultIdleWait
	}
	for {
		claimed, err := r.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			r.logf("reconciler %s: %v", r.Owner, err)
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
