package coordinate_test

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"codeweft/internal/coordinate"
	"codeweft/internal/db"
	"codeweft/internal/domain"
	"codeweft/internal/ident"
	"codeweft/internal/manifest"
	"codeweft/internal/migrate"
	"codeweft/internal/outbox"
	"codeweft/internal/queue"
	"codeweft/internal/repo"
)

type testEnv struct {
	conn     *sql.DB
	repo     repo.Repo
	queue    *queue.Queue
	manifest *manifest.Manifest
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		conn:     conn,
		repo:     repo.Repo{DB: conn},
		queue:    queue.New(conn),
		manifest: manifest.New(conn),
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.queue.Now = func() time.Time { return env.now }
	env.manifest.Now = func() time.Time { return env.now }
	ts := env.now.Format(time.RFC3339)
	if err := env.repo.InsertRun(context.Background(), domain.Run{ID: "run-1", Root: "/src", Status: domain.RunRunning, Threshold: 50, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) coordinator() *coordinate.Coordinator {
	c := coordinate.New(e.conn, e.queue, e.manifest, "c-1")
	c.Now = func() time.Time { return e.now }
	c.Logf = func(string, ...any) {}
	return c
}

// insertFinding stores an intra-file finding, whose only expected producer is
// its own file job, and returns it with the assigned id.
func (e *testEnv) insertFinding(t *testing.T, name string) domain.Finding {
	t.Helper()
	src := ident.EntityID("src/a.js", name)
	tgt := ident.EntityID("src/a.js", name+"Helper")
	f := domain.Finding{
		RunID:            "run-1",
		RelationshipID:   ident.RelationshipID(src, tgt, "CALLS"),
		ProducerID:       manifest.FileProducer("src/a.js"),
		SourceEntityID:   src,
		TargetEntityID:   tgt,
		RelationshipType: "CALLS",
		InitialScore:     60,
		CreatedAt:        e.now.Format(time.RFC3339),
	}
	tx, err := e.conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	id, err := e.repo.InsertFindingTx(context.Background(), tx, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	f.ID = id
	return f
}

func (e *testEnv) publish(t *testing.T, f domain.Finding) {
	t.Helper()
	sink := coordinate.Sink{Queue: e.queue}
	err := sink.Publish(context.Background(), domain.OutboxEvent{
		RunID:     "run-1",
		EventName: outbox.EventFindingCreated,
		PayloadJSON: `{"finding_id":` + strconv.FormatInt(f.ID, 10) + `,"run_id":"run-1","relationship_id":"` +
			f.RelationshipID + `","producer_id":"` + f.ProducerID + `"}`,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSealedEntrySchedulesReconciliation(t *testing.T) {
	env := newTestEnv(t)
	f := env.insertFinding(t, "render")
	env.publish(t, f)

	c := env.coordinator()
	claimed, err := c.ProcessOne(context.Background())
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}

	entry, err := env.manifest.Entry(context.Background(), "run-1", f.RelationshipID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != domain.ManifestSealed {
		t.Fatalf("entry state = %s, want sealed", entry.State)
	}
	jobs, err := env.repo.ListJobs(context.Background(), repo.JobFilters{RunID: "run-1", Kind: domain.JobReconciliation})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want exactly one reconciliation job, got %d", len(jobs))
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	f := env.insertFinding(t, "render")
	env.publish(t, f)
	env.publish(t, f) // redelivered event: a second validation job

	c := env.coordinator()
	for i := 0; i < 2; i++ {
		if claimed, err := c.ProcessOne(context.Background()); err != nil || !claimed {
			t.Fatalf("cycle %d: claimed=%v err=%v", i, claimed, err)
		}
	}

	entry, err := env.manifest.Entry(context.Background(), "run-1", f.RelationshipID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != domain.ManifestSealed {
		t.Fatalf("entry state = %s, want sealed", entry.State)
	}
	if len(entry.ReceivedProducers) != 1 {
		t.Fatalf("duplicate grew the received set: %v", entry.ReceivedProducers)
	}
	jobs, err := env.repo.ListJobs(context.Background(), repo.JobFilters{RunID: "run-1", Kind: domain.JobReconciliation})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("duplicate scheduled reconciliation twice: %d jobs", len(jobs))
	}
}

// A coordinator can die after the manifest commits the seal but before the
// reconciliation job exists. The redelivered event must finish the hand-off
// instead of leaving the entry sealed forever.
func TestRedeliveryAfterSealSchedulesReconciliation(t *testing.T) {
	env := newTestEnv(t)
	f := env.insertFinding(t, "render")

	// seal directly, as the crashed coordinator's Record call did
	sealed, err := env.manifest.Record(context.Background(), f)
	if err != nil || !sealed {
		t.Fatalf("sealed=%v err=%v", sealed, err)
	}
	jobs, err := env.repo.ListJobs(context.Background(), repo.JobFilters{RunID: "run-1", Kind: domain.JobReconciliation})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("no reconciliation job should exist yet, got %d", len(jobs))
	}

	env.publish(t, f)
	c := env.coordinator()
	if claimed, err := c.ProcessOne(context.Background()); err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}

	jobs, err = env.repo.ListJobs(context.Background(), repo.JobFilters{RunID: "run-1", Kind: domain.JobReconciliation})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("redelivery must schedule reconciliation, got %d jobs", len(jobs))
	}
}

func TestMissingFindingIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	sink := coordinate.Sink{Queue: env.queue}
	err := sink.Publish(context.Background(), domain.OutboxEvent{
		RunID:       "run-1",
		EventName:   outbox.EventFindingCreated,
		PayloadJSON: `{"finding_id":9999,"run_id":"run-1","relationship_id":"nope","producer_id":"file:src/a.js"}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	c := env.coordinator()
	var warned bool
	c.Logf = func(string, ...any) { warned = true }
	if claimed, err := c.ProcessOne(context.Background()); err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}
	if !warned {
		t.Fatal("expected a warning for the dangling event")
	}
	counts, err := env.repo.CountJobsByStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.JobCompleted] != 1 {
		t.Fatalf("dangling event must not wedge the queue: %v", counts)
	}
}

func TestUnknownEventNameRejected(t *testing.T) {
	env := newTestEnv(t)
	sink := coordinate.Sink{Queue: env.queue}
	err := sink.Publish(context.Background(), domain.OutboxEvent{RunID: "run-1", EventName: "mystery", PayloadJSON: "{}"})
	if err == nil {
		t.Fatal("expected an error for an unroutable event")
	}
}
