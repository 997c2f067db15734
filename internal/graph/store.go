// Package graph materializes reconciled relationships into a knowledge
// graph. The build is idempotent: nodes and edges are merged, never blindly
// created, so repeated builds over the same data converge to the same graph.
package graph

import (
	"context"

	"codeweft/internal/domain"
)

// Store is a graph backend that supports idempotent merges.
type Store interface {
	MergeNodes(ctx context.Context, nodes []domain.GraphNode) error
	MergeEdges(ctx context.Context, edges []domain.GraphEdge) error
	// Counts reports the total node and edge populations.
	Counts(ctx context.Context) (nodes, edges int, err error)
	Close(ctx context.Context) error
}
