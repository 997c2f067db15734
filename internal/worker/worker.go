// Package worker runs the analysis stages of a pipeline run. A worker claims
// one job at a time, scopes the source text for it, asks the oracle for
// candidate relationships, and commits the resulting findings together with
// their outbox events and the job's completion in a single transaction.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"codeweft/internal/domain"
	"codeweft/internal/events"
	"codeweft/internal/ident"
	"codeweft/internal/manifest"
	"codeweft/internal/oracle"
	"codeweft/internal/orchestrate"
	"codeweft/internal/outbox"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
)

const defaultIdleWait = 500 * time.Millisecond

type Worker struct {
	DB     *sql.DB
	Queue  *queue.Queue
	Repo   repo.Repo
	Oracle oracle.Client
	Events events.Writer
	Outbox outbox.Writer
	Scope  orchestrate.Scope
	Owner  string
	// IdleWait is the sleep between polls when no job is runnable.
	IdleWait time.Duration
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

func New(db *sql.DB, q *queue.Queue, client oracle.Client, scope orchestrate.Scope, owner string) *Worker {
	return &Worker{
		DB:       db,
		Queue:    q,
		Repo:     repo.Repo{DB: db},
		Oracle:   client,
		Scope:    scope,
		Owner:    owner,
		IdleWait: defaultIdleWait,
		Now:      time.Now,
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

var analysisKinds = []string{domain.JobFileAnalysis, domain.JobDirectoryResolution, domain.JobGlobalResolution}

// ProcessOne claims and runs a single analysis job. It reports whether a job
// was claimed; an empty queue is not an error.
func (w *Worker) ProcessOne(ctx context.Context, runID string) (bool, error) {
	j, err := w.Queue.Claim(ctx, runID, w.Owner, analysisKinds...)
	if err == queue.ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := w.process(ctx, j); err != nil {
		w.logf("worker %s: job %s (%s %s) failed: %v", w.Owner, j.ID, j.Kind, j.Path, err)
		dead, failErr := w.Queue.Fail(ctx, j, err)
		if failErr != nil {
			return true, fmt.Errorf("record failure of job %s: %w", j.ID, failErr)
		}
		if dead {
			w.logf("worker %s: job %s dead-lettered after %d attempts", w.Owner, j.ID, j.Attempts)
		}
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, j domain.Job) error {
	content, err := w.content(j)
	if err != nil {
		return fmt.Errorf("scope content: %w", err)
	}
	candidates, err := w.Oracle.Analyze(ctx, oracle.Request{RunID: j.RunID, Kind: j.Kind, Path: j.Path, Content: content})
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	producer := manifest.ProducerForJob(j)
	now := w.now().UTC().Format(time.RFC3339)
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stored := 0
	for _, c := range candidates {
		if !c.Valid() {
			w.logf("worker %s: job %s: discarding malformed candidate %+v", w.Owner, j.ID, c)
			continue
		}
		f := toFinding(j.RunID, producer, c, now)
		id, err := w.Repo.InsertFindingTx(ctx, tx, f)
		if err != nil {
			return fmt.Errorf("store finding %s: %w", f.RelationshipID, err)
		}
		if _, err := w.Outbox.Append(ctx, tx, j.RunID, outbox.EventFindingCreated, outbox.FindingCreated{
			FindingID:      id,
			RunID:          j.RunID,
			RelationshipID: f.RelationshipID,
			ProducerID:     f.ProducerID,
		}); err != nil {
			return fmt.Errorf("append outbox event: %w", err)
		}
		stored++
	}
	if err := w.Events.Append(ctx, tx, "job-completed", j.RunID, "job", j.ID, events.EventPayload{
		"kind": j.Kind, "path": j.Path, "findings": stored,
	}); err != nil {
		return err
	}
	if err := w.Repo.CompleteJobTx(ctx, tx, j.ID, now); err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}
	return tx.Commit()
}

// content assembles what the oracle sees for a job: the file itself for file
// analysis, the directory's files for directory resolution, and a roster of
// all scoped files for global resolution.
func (w *Worker) content(j domain.Job) (string, error) {
	switch j.Kind {
	case domain.JobFileAnalysis:
		return w.Scope.ReadFile(j.Path)
	case domain.JobDirectoryResolution:
		files, err := payloadFiles(j)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, f := range files {
			data, err := w.Scope.ReadFile(f)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "=== %s ===\n%s\n", f, data)
		}
		return b.String(), nil
	case domain.JobGlobalResolution:
		dirs := make([]string, 0, len(w.Scope.Dirs))
		for d := range w.Scope.Dirs {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		var b strings.Builder
		for _, d := range dirs {
			fmt.Fprintf(&b, "%s: %s\n", d, strings.Join(w.Scope.Dirs[d], " "))
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown analysis kind %q", j.Kind)
	}
}

func payloadFiles(j domain.Job) ([]string, error) {
	if j.PayloadJSON == nil {
		return nil, nil
	}
	var payload struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(*j.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return payload.Files, nil
}

func toFinding(runID, producer string, c oracle.Candidate, now string) domain.Finding {
	src := ident.EntityID(c.SourceFile, c.SourceName)
	tgt := ident.EntityID(c.TargetFile, c.TargetName)
	return domain.Finding{
		RunID:             runID,
		RelationshipID:    ident.RelationshipID(src, tgt, c.Type),
		ProducerID:        producer,
		SourceEntityID:    src,
		TargetEntityID:    tgt,
		RelationshipType:  c.Type,
		SupportsExistence: c.SupportsExistence,
		InitialScore:      c.InitialScore,
		Boosts:            c.Boosts,
		Penalties:         c.Penalties,
		RawEvidence:       c.Evidence,
		CreatedAt:         now,
	}
}

// Run polls for analysis work until the context is canceled.
func (w *Worker) Run(ctx context.Context, runID string) error {
	wait := w.IdleWait
	if wait <= 0 {
		wait = defaultIdleWait
	}
	for {
		claimed, err := w.ProcessOne(ctx, runID)
		if err != nil && ctx.Err() == nil {
			w.logf("worker %s: %v", w.Owner, err)
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
