// Package engine owns the run lifecycle: it creates runs, lays out the job
// DAG, drives the worker pool, outbox publisher, validation coordinator and
// reconciler to drain, and hands the result to the graph builder.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"codeweft/internal/config"
	"codeweft/internal/coordinate"
	"codeweft/internal/domain"
	"codeweft/internal/events"
	"codeweft/internal/graph"
	"codeweft/internal/manifest"
	"codeweft/internal/oracle"
	"codeweft/internal/orchestrate"
	"codeweft/internal/outbox"
	"codeweft/internal/queue"
	"codeweft/internal/reconcile"
	"codeweft/internal/repo"
	"codeweft/internal/worker"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	// Oracle overrides the config-selected analysis client when set.
	Oracle oracle.Client
	Now    func() time.Time
	Logf   func(format string, args ...any)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// CreateRun registers a new analysis run over the given source root.
func (e Engine) CreateRun(ctx context.Context, root string) (domain.Run, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return domain.Run{}, fmt.Errorf("resolve root %s: %w", root, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		Root:      abs,
		Status:    domain.RunPending,
		Threshold: e.Config.Run.Threshold,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,root,status,threshold,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Root, run.Status, run.Threshold, run.CreatedAt, run.UpdatedAt); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run-created", run.ID, "run", run.ID, events.EventPayload{
		"root": run.Root, "threshold": run.Threshold,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) newQueue() *queue.Queue {
	q := queue.New(e.DB)
	q.MaxAttempts = e.Config.Queue.MaxAttempts
	q.Backoff = time.Duration(e.Config.Queue.BackoffSeconds) * time.Second
	q.Lease = time.Duration(e.Config.Queue.LeaseSeconds) * time.Second
	q.Now = e.Now
	return q
}

func (e Engine) oracleClient() oracle.Client {
	if e.Oracle != nil {
		return e.Oracle
	}
	if e.Config.Oracle.Mode == config.OracleHTTP {
		c := oracle.NewHTTPClient(e.Config.Oracle.Endpoint, e.Config.Oracle.Model, e.Config.Oracle.APIKey)
		c.MaxRetries = e.Config.Oracle.MaxRetries
		c.HTTPClient = &http.Client{Timeout: time.Duration(e.Config.Oracle.TimeoutSeconds) * time.Second}
		return c
	}
	return oracle.Static{}
}

// knownProducers limits manifest expectations to producers that actually
// exist in the discovered scope; an analysis endpoint pointing outside the
// scope must never hold a seal hostage.
func knownProducers(scope orchestrate.Scope) func(string) bool {
	known := map[string]bool{manifest.GlobalProducer: true}
	for dir, files := range scope.Dirs {
		known[manifest.DirProducer(dir)] = true
		for _, f := range files {
			known[manifest.FileProducer(f)] = true
		}
	}
	return func(p string) bool { return known[p] }
}

// RunPipeline executes a run end to end: discovery, the analysis DAG, then
// the worker pool and the event-driven stages until the whole system drains.
func (e Engine) RunPipeline(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	q := e.newQueue()
	scout := orchestrate.Scout{Queue: q, Ignore: e.Config.Run.Ignore, Extensions: e.Config.Run.Extensions}
	scope, err := scout.Discover(run.Root)
	if err != nil {
		return e.failRun(ctx, runID, err)
	}
	if _, err := scout.Orchestrate(ctx, runID, scope); err != nil {
		return e.failRun(ctx, runID, err)
	}
	if err := e.setRunStatus(ctx, runID, domain.RunRunning); err != nil {
		return err
	}

	m := manifest.New(e.DB)
	m.Known = knownProducers(scope)
	m.Now = e.Now

	pipelineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(pipelineCtx)

	client := e.oracleClient()
	workers := e.Config.Run.Workers
	for i := 0; i < workers; i++ {
		w := worker.New(e.DB, q, client, scope, fmt.Sprintf("worker-%d", i+1))
		w.Now = e.Now
		w.Logf = e.Logf
		g.Go(func() error { return w.Run(gctx, runID) })
	}

	pub := outbox.NewPublisher(e.DB, coordinate.Sink{Queue: q})
	pub.Interval = time.Duration(e.Config.Outbox.PollIntervalSeconds) * time.Second
	pub.BatchSize = e.Config.Outbox.BatchSize
	pub.Now = e.Now
	pub.Logf = e.Logf
	g.Go(func() error { return pub.Run(gctx) })

	coord := coordinate.New(e.DB, q, m, "coordinator-1")
	coord.Events = e.Events
	coord.Now = e.Now
	coord.Logf = e.Logf
	g.Go(func() error { return coord.Run(gctx) })

	rec := reconcile.New(e.DB, q, "reconciler-1")
	rec.Events = e.Events
	rec.Now = e.Now
	rec.Logf = e.Logf
	g.Go(func() error { return rec.Run(gctx) })

	g.Go(func() error { return e.superviseDrain(gctx, q, runID, cancel) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return e.failRun(ctx, runID, err)
	}
	if ctx.Err() != nil {
		return e.abortRun(context.WithoutCancel(ctx), runID)
	}
	if err := e.setRunStatus(ctx, runID, domain.RunCompleted); err != nil {
		return err
	}
	e.logf("engine: run %s completed", runID)
	return nil
}

// superviseDrain requeues stalled jobs and cancels the pipeline once the
// system is quiescent: no live jobs and no unpublished outbox events, stable
// across two consecutive samples.
func (e Engine) superviseDrain(ctx context.Context, q *queue.Queue, runID string, cancel context.CancelFunc) error {
	const sample = 200 * time.Millisecond
	quiet := 0
	ticker := time.NewTicker(sample)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := q.RequeueStalled(ctx); err != nil {
			e.logf("engine: requeue stalled: %v", err)
		}
		active, err := e.Repo.ActiveJobCount(ctx, runID)
		if err != nil {
			return err
		}
		outboxCounts, err := e.Repo.CountOutboxByStatus(ctx, runID)
		if err != nil {
			return err
		}
		if active == 0 && outboxCounts[domain.OutboxPending] == 0 {
			quiet++
			if quiet >= 2 {
				cancel()
				return nil
			}
			continue
		}
		quiet = 0
	}
}

func (e Engine) failRun(ctx context.Context, runID string, cause error) error {
	if err := e.setRunStatus(ctx, runID, domain.RunFailed); err != nil {
		e.logf("engine: mark run %s failed: %v", runID, err)
	}
	return fmt.Errorf("run %s: %w", runID, cause)
}

func (e Engine) abortRun(ctx context.Context, runID string) error {
	if err := e.setRunStatus(ctx, runID, domain.RunAborted); err != nil {
		return err
	}
	return context.Canceled
}

func (e Engine) setRunStatus(ctx context.Context, runID, status string) error {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRunStatus(ctx, runID, status, now); err != nil {
		return fmt.Errorf("set run %s to %s: %w", runID, status, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "run-"+status, runID, "run", runID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RunStatus aggregates everything cw status shows for a run.
type RunStatus struct {
	Run           domain.Run     `json:"run"`
	Jobs          map[string]int `json:"jobs"`
	Manifest      map[string]int `json:"manifest"`
	Outbox        map[string]int `json:"outbox"`
	Relationships int            `json:"relationships"`
}

func (e Engine) Status(ctx context.Context, runID string) (RunStatus, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	jobs, err := e.Repo.CountJobsByStatus(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	man, err := e.Repo.CountManifestByState(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	out, err := e.Repo.CountOutboxByStatus(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	rels, err := e.Repo.CountRelationships(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{Run: run, Jobs: jobs, Manifest: man, Outbox: out, Relationships: rels}, nil
}

// BuildGraph materializes the run's reconciled relationships in the store.
func (e Engine) BuildGraph(ctx context.Context, runID string, store graph.Store) (graph.Stats, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return graph.Stats{}, err
	}
	if run.Status != domain.RunCompleted {
		return graph.Stats{}, fmt.Errorf("run %s is %s; build the graph after completion", runID, run.Status)
	}
	b := graph.NewBuilder(e.DB, store)
	b.Logf = e.Logf
	stats, err := b.Build(ctx, runID)
	if err != nil {
		return stats, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "graph-built", runID, "run", runID, events.EventPayload{
		"nodes": stats.Nodes, "edges": stats.Edges,
	}); err != nil {
		return stats, err
	}
	return stats, tx.Commit()
}

// CleanRun removes every trace of a run from the staging store.
func (e Engine) CleanRun(ctx context.Context, runID string) error {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return err
	}
	return e.Repo.PurgeRun(ctx, runID)
}
