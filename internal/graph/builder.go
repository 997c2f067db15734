package graph

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"

	"codeweft/internal/domain"
	"codeweft/internal/ident"
	"codeweft/internal/repo"
)

const defaultBatchSize = 500

// Stats summarizes one build pass.
type Stats struct {
	Relationships int `json:"relationships"`
	Nodes         int `json:"nodes"`
	Edges         int `json:"edges"`
}

// Builder streams a run's reconciled relationships into a Store in two
// passes: every endpoint node first, then every edge. Either pass can be
// replayed without changing the resulting graph.
type Builder struct {
	Repo      repo.Repo
	Store     Store
	BatchSize int
	Logf      func(format string, args ...any)
}

func NewBuilder(db *sql.DB, store Store) *Builder {
	return &Builder{
		Repo:      repo.Repo{DB: db},
		Store:     store,
		BatchSize: defaultBatchSize,
	}
}

func (b *Builder) logf(format string, args ...any) {
	if b.Logf != nil {
		b.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Build merges the run's full relationship set into the graph store.
func (b *Builder) Build(ctx context.Context, runID string) (Stats, error) {
	batch := b.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var stats Stats
	seen := map[string]bool{}

	// pass 1: nodes
	cursor := ""
	for {
		rels, err := b.Repo.ListRelationships(ctx, runID, batch, cursor)
		if err != nil {
			return stats, fmt.Errorf("list relationships: %w", err)
		}
		if len(rels) == 0 {
			break
		}
		var nodes []domain.GraphNode
		for _, rel := range rels {
			for _, id := range []string{rel.SourceEntityID, rel.TargetEntityID} {
				if seen[id] {
					continue
				}
				seen[id] = true
				nodes = append(nodes, toNode(id))
			}
		}
		if err := b.Store.MergeNodes(ctx, nodes); err != nil {
			return stats, err
		}
		stats.Nodes += len(nodes)
		cursor = rels[len(rels)-1].RelationshipID
	}

	// pass 2: edges, only after every endpoint exists
	cursor = ""
	for {
		rels, err := b.Repo.ListRelationships(ctx, runID, batch, cursor)
		if err != nil {
			return stats, fmt.Errorf("list relationships: %w", err)
		}
		if len(rels) == 0 {
			break
		}
		edges := make([]domain.GraphEdge, 0, len(rels))
		for _, rel := range rels {
			edges = append(edges, toEdge(rel))
		}
		if err := b.Store.MergeEdges(ctx, edges); err != nil {
			return stats, err
		}
		stats.Edges += len(edges)
		stats.Relationships += len(rels)
		cursor = rels[len(rels)-1].RelationshipID
	}

	b.logf("graph: run %s built: %d relationships, %d nodes, %d edges", runID, stats.Relationships, stats.Nodes, stats.Edges)
	return stats, nil
}

func toNode(entityID string) domain.GraphNode {
	name := entityID
	if _, after, ok := strings.Cut(entityID, "#"); ok {
		name = after
	}
	return domain.GraphNode{
		EntityID: entityID,
		Properties: map[string]string{
			"file": ident.EntityFile(entityID),
			"name": name,
		},
	}
}

func toEdge(rel domain.Relationship) domain.GraphEdge {
	return domain.GraphEdge{
		SourceEntityID: rel.SourceEntityID,
		TargetEntityID: rel.TargetEntityID,
		Type:           rel.Type,
		Properties: map[string]string{
			"confidence": strconv.FormatFloat(rel.Confidence, 'f', 2, 64),
			"run_id":     rel.RunID,
		},
	}
}
