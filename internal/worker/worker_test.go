package worker_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeweft/internal/db"
	"codeweft/internal/domain"
	"codeweft/internal/migrate"
	"codeweft/internal/oracle"
	"codeweft/internal/orchestrate"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
	"codeweft/internal/worker"
)

type fakeOracle struct {
	candidates []oracle.Candidate
	err        error
	calls      int
}

func (f *fakeOracle) Analyze(ctx context.Context, req oracle.Request) ([]oracle.Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type testEnv struct {
	conn  *sql.DB
	repo  repo.Repo
	queue *queue.Queue
	root  string
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		conn:  conn,
		repo:  repo.Repo{DB: conn},
		queue: queue.New(conn),
		root:  t.TempDir(),
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.queue.Now = func() time.Time { return env.now }
	ts := env.now.Format(time.RFC3339)
	if err := env.repo.InsertRun(context.Background(), domain.Run{ID: "run-1", Root: env.root, Status: domain.RunRunning, Threshold: 50, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) worker(client oracle.Client) *worker.Worker {
	w := worker.New(e.conn, e.queue, client, orchestrate.Scope{Root: e.root, Dirs: map[string][]string{"src": {"src/a.js"}}}, "w-1")
	w.Now = func() time.Time { return e.now }
	w.Logf = func(string, ...any) {}
	return w
}

func TestProcessOneStoresFindingsAtomically(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "src/a.js", "const b = require('./b');\n")
	if _, err := env.queue.Enqueue(context.Background(), "run-1", queue.Spec{Kind: domain.JobFileAnalysis, Path: "src/a.js"}); err != nil {
		t.Fatal(err)
	}

	client := &fakeOracle{candidates: []oracle.Candidate{
		{SourceFile: "src/a.js", SourceName: "a", TargetFile: "src/b.js", TargetName: "b", Type: "CALLS", SupportsExistence: true, InitialScore: 60},
		{SourceFile: "src/a.js", SourceName: "a", Type: "CALLS"}, // missing target, must be skipped
	}}
	w := env.worker(client)
	claimed, err := w.ProcessOne(context.Background(), "run-1")
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}

	pending, err := env.repo.ListPendingOutboxEvents(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("want 1 outbox event for 1 valid candidate, got %d", len(pending))
	}
	counts, err := env.repo.CountJobsByStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.JobCompleted] != 1 {
		t.Fatalf("job not completed: %v", counts)
	}
	var findings int
	if err := env.conn.QueryRow(`SELECT COUNT(*) FROM findings WHERE run_id='run-1'`).Scan(&findings); err != nil {
		t.Fatal(err)
	}
	if findings != 1 {
		t.Fatalf("want 1 finding, got %d", findings)
	}
}

func TestOracleFailureRetriesJob(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "src/a.js", "x\n")
	if _, err := env.queue.Enqueue(context.Background(), "run-1", queue.Spec{Kind: domain.JobFileAnalysis, Path: "src/a.js"}); err != nil {
		t.Fatal(err)
	}

	w := env.worker(&fakeOracle{err: errors.New("oracle down")})
	claimed, err := w.ProcessOne(context.Background(), "run-1")
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}

	counts, err := env.repo.CountJobsByStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.JobPending] != 1 {
		t.Fatalf("want job back in retry wait, got %v", counts)
	}
	// the backoff window keeps the job unclaimable for now
	if claimed, err := w.ProcessOne(context.Background(), "run-1"); err != nil || claimed {
		t.Fatalf("claimed during backoff: claimed=%v err=%v", claimed, err)
	}
	pending, _ := env.repo.ListPendingOutboxEvents(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("failed job must not leave outbox events: %v", pending)
	}
}

func TestRetryDoesNotDuplicateFindings(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "src/a.js", "x\n")
	if _, err := env.queue.Enqueue(context.Background(), "run-1", queue.Spec{Kind: domain.JobFileAnalysis, Path: "src/a.js"}); err != nil {
		t.Fatal(err)
	}

	client := &fakeOracle{candidates: []oracle.Candidate{
		{SourceFile: "src/a.js", SourceName: "a", TargetFile: "src/b.js", TargetName: "b", Type: "CALLS", InitialScore: 60},
	}}
	w := env.worker(client)
	if _, err := w.ProcessOne(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}

	// simulate a redelivered job for the same producer
	if _, err := env.queue.Enqueue(context.Background(), "run-1", queue.Spec{Kind: domain.JobFileAnalysis, Path: "src/a.js"}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ProcessOne(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}

	var findings int
	if err := env.conn.QueryRow(`SELECT COUNT(*) FROM findings WHERE run_id='run-1'`).Scan(&findings); err != nil {
		t.Fatal(err)
	}
	if findings != 1 {
		t.Fatalf("duplicate producer finding stored: got %d rows", findings)
	}
}

func TestDirectoryJobReadsPayloadFiles(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "src/a.js", "aaa\n")
	env.writeFile(t, "src/b.js", "bbb\n")
	payload := map[string]any{"files": []string{"src/a.js", "src/b.js"}}
	if _, err := env.queue.Enqueue(context.Background(), "run-1", queue.Spec{Kind: domain.JobDirectoryResolution, Path: "src", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	var seen string
	client := &capturingOracle{}
	w := env.worker(client)
	if _, err := w.ProcessOne(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	seen = client.lastContent
	for _, want := range []string{"=== src/a.js ===", "aaa", "=== src/b.js ===", "bbb"} {
		if !strings.Contains(seen, want) {
			t.Fatalf("directory scope missing %q:\n%s", want, seen)
		}
	}
}

type capturingOracle struct {
	lastContent string
}

func (c *capturingOracle) Analyze(ctx context.Context, req oracle.Request) ([]oracle.Candidate, error) {
	c.lastContent = req.Content
	return nil, nil
}
