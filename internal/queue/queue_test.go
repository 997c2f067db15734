package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"codeweft/internal/db"
	"codeweft/internal/domain"
	"codeweft/internal/migrate"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
)

func newTestQueue(t *testing.T) (*queue.Queue, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := queue.New(conn)
	q.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	now := q.Now().UTC().Format(time.RFC3339)
	if err := r.InsertRun(context.Background(), domain.Run{ID: "run-1", Root: "/src", Status: domain.RunRunning, Threshold: 50, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return q, conn
}

func enqueueFanIn(t *testing.T, q *queue.Queue) []domain.Job {
	t.Helper()
	jobs, err := q.EnqueueTree(context.Background(), "run-1", []queue.Spec{
		{ID: "file-a", Kind: domain.JobFileAnalysis, Path: "a.go"},
		{ID: "file-b", Kind: domain.JobFileAnalysis, Path: "b.go"},
		{ID: "dir", Kind: domain.JobDirectoryResolution, Path: ".", DependsOn: []string{"file-a", "file-b"}},
		{ID: "global", Kind: domain.JobGlobalResolution, DependsOn: []string{"dir"}},
	})
	if err != nil {
		t.Fatalf("enqueue tree: %v", err)
	}
	return jobs
}

func TestDependencyGatedClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	enqueueFanIn(t, q)

	// only file jobs are runnable
	j1, err := q.Claim(ctx, "run-1", "w1")
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	j2, err := q.Claim(ctx, "run-1", "w1")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if j1.Kind != domain.JobFileAnalysis || j2.Kind != domain.JobFileAnalysis {
		t.Fatalf("expected file jobs first, got %s and %s", j1.Kind, j2.Kind)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("directory job claimable before files completed: %v", err)
	}

	// finish one file; directory still gated
	if err := q.Complete(ctx, j1.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("directory job claimable with one file outstanding: %v", err)
	}

	// finish both; directory becomes runnable, global still gated
	if err := q.Complete(ctx, j2.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	jd, err := q.Claim(ctx, "run-1", "w1")
	if err != nil || jd.Kind != domain.JobDirectoryResolution {
		t.Fatalf("expected directory job, got %+v err %v", jd, err)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("global job claimable before directory completed")
	}
	if err := q.Complete(ctx, jd.ID); err != nil {
		t.Fatalf("complete dir: %v", err)
	}
	jg, err := q.Claim(ctx, "run-1", "w1")
	if err != nil || jg.Kind != domain.JobGlobalResolution {
		t.Fatalf("expected global job, got %+v err %v", jg, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	q, conn := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "run-1", queue.Spec{ID: "only", Kind: domain.JobFileAnalysis, Path: "a.go"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := q.Claim(ctx, "run-1", "w2"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("second claim should find nothing, got %v", err)
	}
	r := repo.Repo{DB: conn}
	j, err := r.GetJob(ctx, "only")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != domain.JobRunning || j.LeaseOwner == nil || *j.LeaseOwner != "w1" {
		t.Fatalf("unexpected claim state: %+v", j)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	q.MaxAttempts = 2
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "run-1", queue.Spec{ID: "flaky", Kind: domain.JobFileAnalysis, Path: "a.go"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j, err := q.Claim(ctx, "run-1", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	j.MaxAttempts = 2
	dead, err := q.Fail(ctx, j, errors.New("oracle unreachable"))
	if err != nil || dead {
		t.Fatalf("first failure should retry, dead=%v err=%v", dead, err)
	}

	// backoff window applies: not runnable at the frozen clock
	if _, err := q.Claim(ctx, "run-1", "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("job runnable inside backoff window")
	}
	q.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 1, 0, 0, time.UTC) }
	j, err = q.Claim(ctx, "run-1", "w1")
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	dead, err = q.Fail(ctx, j, errors.New("oracle unreachable"))
	if err != nil || !dead {
		t.Fatalf("second failure should dead-letter, dead=%v err=%v", dead, err)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("dead-lettered job still claimable")
	}
}

func TestRequeueStalled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "run-1", queue.Spec{ID: "stall", Kind: domain.JobFileAnalysis, Path: "a.go"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "run-1", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// before the lease expires nothing is requeued
	n, err := q.RequeueStalled(ctx)
	if err != nil || n != 0 {
		t.Fatalf("requeue before expiry: n=%d err=%v", n, err)
	}
	q.Now = func() time.Time { return time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC) }
	n, err = q.RequeueStalled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("requeue after expiry: n=%d err=%v", n, err)
	}
	if _, err := q.Claim(ctx, "run-1", "w2"); err != nil {
		t.Fatalf("reclaim after requeue: %v", err)
	}
}

func TestEnqueueTreeRollsBackOnFailure(t *testing.T) {
	q, conn := newTestQueue(t)
	ctx := context.Background()
	// duplicate id forces a mid-tree insert failure
	_, err := q.EnqueueTree(ctx, "run-1", []queue.Spec{
		{ID: "dup", Kind: domain.JobFileAnalysis, Path: "a.go"},
		{ID: "dup", Kind: domain.JobFileAnalysis, Path: "b.go"},
	})
	if err == nil {
		t.Fatalf("expected enqueue failure")
	}
	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM jobs WHERE run_id='run-1'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("partial DAG left behind: %d jobs", n)
	}
}
