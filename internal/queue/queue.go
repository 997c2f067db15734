// Package queue exposes the job-queue semantics the pipeline needs from the
// staging store: dependency-gated enqueue, atomic claim with leases, bounded
// retries with backoff, a dead-letter path, and stalled-job requeue.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeweft/internal/domain"
	"codeweft/internal/repo"
)

// ErrEmpty reports that no runnable job matched a claim request.
var ErrEmpty = errors.New("no runnable jobs")

type Queue struct {
	DB          *sql.DB
	Repo        repo.Repo
	MaxAttempts int
	Backoff     time.Duration
	Lease       time.Duration
	Now         func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
		Lease:       60 * time.Second,
		Now:         time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Spec describes a job to enqueue. DependsOn refers to ids of jobs in the
// same tree.
type Spec struct {
	ID        string
	Kind      string
	Path      string
	Payload   any
	DependsOn []string
}

// EnqueueTree creates a whole job DAG in one transaction: every job is
// inserted held, every dependency edge is registered, and only then is the
// tree released to the runnable pool. A worker can therefore never observe a
// child as claimable while a parent's dependency set is still incomplete.
// On any failure the transaction rolls back and no partial DAG survives.
func (q *Queue) EnqueueTree(ctx context.Context, runID string, specs []Spec) ([]domain.Job, error) {
	now := q.now().UTC().Format(time.RFC3339)
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	jobs := make([]domain.Job, 0, len(specs))
	for _, s := range specs {
		j, err := q.buildJob(runID, s, now)
		if err != nil {
			return nil, err
		}
		if err := q.Repo.InsertJobTx(ctx, tx, j); err != nil {
			return nil, fmt.Errorf("insert job %s: %w", j.ID, err)
		}
		jobs = append(jobs, j)
	}
	for i, s := range specs {
		if len(s.DependsOn) == 0 {
			continue
		}
		if err := q.Repo.AddJobDependenciesTx(ctx, tx, jobs[i].ID, s.DependsOn); err != nil {
			return nil, fmt.Errorf("register deps for %s: %w", jobs[i].ID, err)
		}
		jobs[i].DependsOn = s.DependsOn
	}
	if err := q.Repo.ReleaseHeldJobsTx(ctx, tx, runID, now); err != nil {
		return nil, fmt.Errorf("release jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Status = domain.JobPending
	}
	return jobs, nil
}

// Enqueue inserts a single dependency-free job, immediately runnable.
func (q *Queue) Enqueue(ctx context.Context, runID string, s Spec) (domain.Job, error) {
	now := q.now().UTC().Format(time.RFC3339)
	j, err := q.buildJob(runID, s, now)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobPending
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := q.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	return j, tx.Commit()
}

func (q *Queue) buildJob(runID string, s Spec, now string) (domain.Job, error) {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	var payload *string
	if s.Payload != nil {
		b, err := json.Marshal(s.Payload)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal payload for %s: %w", s.Kind, err)
		}
		v := string(b)
		payload = &v
	}
	return domain.Job{
		ID:          id,
		RunID:       runID,
		Kind:        s.Kind,
		Path:        s.Path,
		PayloadJSON: payload,
		Status:      domain.JobHeld,
		MaxAttempts: q.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Claim hands the caller the oldest runnable job of one of the given kinds,
// or ErrEmpty. The status flip is conditional on the job still being pending,
// so exactly one worker wins a contested job.
func (q *Queue) Claim(ctx context.Context, runID, owner string, kinds ...string) (domain.Job, error) {
	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)
	lease := now.Add(q.Lease).Format(time.RFC3339)
	for {
		j, err := q.Repo.NextRunnableJob(ctx, runID, nowStr, kinds)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, ErrEmpty
		}
		if err != nil {
			return domain.Job{}, err
		}
		err = q.Repo.ClaimJob(ctx, j.ID, owner, lease, nowStr)
		if errors.Is(err, repo.ErrNotFound) {
			continue // lost the race, pick the next candidate
		}
		if err != nil {
			return domain.Job{}, err
		}
		j.Status = domain.JobRunning
		j.Attempts++
		j.LeaseOwner = &owner
		j.LeaseExpiresAt = &lease
		return j, nil
	}
}

// Complete marks a running job done outside any caller transaction.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := q.Repo.CompleteJobTx(ctx, tx, jobID, q.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail records a job failure: retried with exponential backoff while attempts
// remain, dead-lettered with the captured error once they are exhausted.
// Reports whether the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, j domain.Job, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now().UTC()
	if j.Attempts >= j.MaxAttempts {
		if err := q.Repo.DeadLetterJob(ctx, j.ID, msg, now.Format(time.RFC3339)); err != nil {
			return false, err
		}
		return true, nil
	}
	backoff := q.Backoff
	for i := 1; i < j.Attempts; i++ {
		backoff *= 2
	}
	notBefore := now.Add(backoff).Format(time.RFC3339)
	if err := q.Repo.RetryJob(ctx, j.ID, msg, notBefore, now.Format(time.RFC3339)); err != nil {
		return false, err
	}
	return false, nil
}

// RequeueStalled returns jobs whose claiming worker died (lease expired) to
// the pending pool.
func (q *Queue) RequeueStalled(ctx context.Context) (int64, error) {
	return q.Repo.RequeueStalledJobs(ctx, q.now().UTC().Format(time.RFC3339))
}
