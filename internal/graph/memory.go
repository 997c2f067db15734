package graph

import (
	"context"
	"sync"

	"codeweft/internal/domain"
)

// MemStore is an in-process Store for tests and dry runs.
type MemStore struct {
	mu    sync.Mutex
	nodes map[string]domain.GraphNode
	edges map[string]domain.GraphEdge
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes: map[string]domain.GraphNode{},
		edges: map[string]domain.GraphEdge{},
	}
}

func (s *MemStore) MergeNodes(ctx context.Context, nodes []domain.GraphNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.EntityID] = n
	}
	return nil
}

func (s *MemStore) MergeEdges(ctx context.Context, edges []domain.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		s.edges[e.SourceEntityID+"|"+e.Type+"|"+e.TargetEntityID] = e
	}
	return nil
}

func (s *MemStore) Counts(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes), len(s.edges), nil
}

func (s *MemStore) Close(ctx context.Context) error { return nil }

// Node returns a merged node snapshot for assertions.
func (s *MemStore) Node(entityID string) (domain.GraphNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[entityID]
	return n, ok
}
