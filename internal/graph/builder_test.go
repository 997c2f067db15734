package graph_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"codeweft/internal/db"
	"codeweft/internal/domain"
	"codeweft/internal/graph"
	"codeweft/internal/ident"
	"codeweft/internal/migrate"
	"codeweft/internal/repo"
)

func newTestStore(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := r.InsertRun(context.Background(), domain.Run{ID: "run-1", Root: "/src", Status: domain.RunCompleted, Threshold: 50, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	return conn, r
}

func insertRelationship(t *testing.T, conn *sql.DB, r repo.Repo, srcFile, srcName, tgtFile, tgtName, relType string, confidence float64) {
	t.Helper()
	src := ident.EntityID(srcFile, srcName)
	tgt := ident.EntityID(tgtFile, tgtName)
	now := "2024-06-01T12:00:00Z"
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.UpsertRelationshipTx(context.Background(), tx, domain.Relationship{
		RunID:          "run-1",
		RelationshipID: ident.RelationshipID(src, tgt, relType),
		SourceEntityID: src,
		TargetEntityID: tgt,
		Type:           relType,
		Confidence:     confidence,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildMergesNodesAndEdges(t *testing.T) {
	conn, r := newTestStore(t)
	insertRelationship(t, conn, r, "src/a.js", "a", "src/b.js", "b", "CALLS", 72)
	insertRelationship(t, conn, r, "src/b.js", "b", "src/c.js", "c", "IMPORTS", 64)

	store := graph.NewMemStore()
	b := graph.NewBuilder(conn, store)
	b.Logf = func(string, ...any) {}
	stats, err := b.Build(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	// b appears in both relationships but is one node
	if stats.Nodes != 3 || stats.Edges != 2 || stats.Relationships != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	n, ok := store.Node(ident.EntityID("src/a.js", "a"))
	if !ok {
		t.Fatal("node for src/a.js#a missing")
	}
	if n.Properties["file"] != "src/a.js" || n.Properties["name"] != "a" {
		t.Fatalf("node properties = %v", n.Properties)
	}
}

func TestRepeatedBuildIsIdempotent(t *testing.T) {
	conn, r := newTestStore(t)
	for i := 0; i < 5; i++ {
		insertRelationship(t, conn, r, "src/a.js", fmt.Sprintf("fn%d", i), "src/b.js", "b", "CALLS", 70)
	}

	store := graph.NewMemStore()
	b := graph.NewBuilder(conn, store)
	b.Logf = func(string, ...any) {}
	if _, err := b.Build(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	nodes1, edges1, err := store.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Build(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	nodes2, edges2, err := store.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if nodes1 != nodes2 || edges1 != edges2 {
		t.Fatalf("second build changed the graph: (%d,%d) -> (%d,%d)", nodes1, edges1, nodes2, edges2)
	}
}

func TestBuildPaginatesBatches(t *testing.T) {
	conn, r := newTestStore(t)
	for i := 0; i < 7; i++ {
		insertRelationship(t, conn, r, "src/a.js", fmt.Sprintf("fn%d", i), "src/b.js", fmt.Sprintf("g%d", i), "CALLS", 70)
	}

	store := graph.NewMemStore()
	b := graph.NewBuilder(conn, store)
	b.BatchSize = 2
	b.Logf = func(string, ...any) {}
	stats, err := b.Build(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Relationships != 7 || stats.Edges != 7 || stats.Nodes != 14 {
		t.Fatalf("stats = %+v", stats)
	}
}
