package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"codeweft/internal/domain"
)

// Neo4jConfig locates the graph database.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Neo4jStore merges nodes and edges through a bolt driver. All writes go
// through MERGE, so replays are safe.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("connect to graph store %s: %w", cfg.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify graph store %s: %w", cfg.URI, err)
	}
	return &Neo4jStore{driver: driver, database: cfg.Database}, nil
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func (s *Neo4jStore) MergeNodes(ctx context.Context, nodes []domain.GraphNode) error {
	if len(nodes) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		batch = append(batch, map[string]any{
			"entity_id": n.EntityID,
			"props":     stringMap(n.Properties),
		})
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `UNWIND $batch AS row
MERGE (n:Entity {entity_id: row.entity_id})
SET n += row.props`, map[string]any{"batch": batch})
	})
	if err != nil {
		return fmt.Errorf("merge %d nodes: %w", len(nodes), err)
	}
	return nil
}

func (s *Neo4jStore) MergeEdges(ctx context.Context, edges []domain.GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		batch = append(batch, map[string]any{
			"source": e.SourceEntityID,
			"target": e.TargetEntityID,
			"type":   e.Type,
			"props":  stringMap(e.Properties),
		})
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	// Relationship types cannot be parameterized in cypher; the semantic
	// type lives in a property on a single RELATES edge kind instead.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `UNWIND $batch AS row
MATCH (s:Entity {entity_id: row.source})
MATCH (t:Entity {entity_id: row.target})
MERGE (s)-[r:RELATES {type: row.type}]->(t)
SET r += row.props`, map[string]any{"batch": batch})
	})
	if err != nil {
		return fmt.Errorf("merge %d edges: %w", len(edges), err)
	}
	return nil
}

func (s *Neo4jStore) Counts(ctx context.Context) (int, int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `MATCH (n:Entity)
OPTIONAL MATCH (:Entity)-[r:RELATES]->(:Entity)
RETURN count(DISTINCT n) AS nodes, count(DISTINCT r) AS edges`, nil)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return []int64{record.Values[0].(int64), record.Values[1].(int64)}, nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count graph population: %w", err)
	}
	counts := res.([]int64)
	return int(counts[0]), int(counts[1]), nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
