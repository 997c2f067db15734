package repo

import (
	"context"
	"database/sql"

	"codeweft/internal/domain"
)

// UpsertRelationshipTx writes a validated relationship with overwrite
// semantics keyed by (run, relationship id). Re-reconciliation replaces the
// row, it never duplicates it.
func (r Repo) UpsertRelationshipTx(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(run_id,relationship_id,source_entity_id,target_entity_id,type,confidence,evidence_summary,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,relationship_id) DO UPDATE SET confidence=excluded.confidence, evidence_summary=excluded.evidence_summary, updated_at=excluded.updated_at`,
		rel.RunID, rel.RelationshipID, rel.SourceEntityID, rel.TargetEntityID, rel.Type, rel.Confidence,
		nullable(rel.EvidenceSummary), rel.CreatedAt, rel.UpdatedAt)
	return err
}

func (r Repo) GetRelationship(ctx context.Context, runID, relationshipID string) (domain.Relationship, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,relationship_id,source_entity_id,target_entity_id,type,confidence,COALESCE(evidence_summary,''),created_at,updated_at
FROM relationships WHERE run_id=? AND relationship_id=?`, runID, relationshipID)
	var rel domain.Relationship
	err := row.Scan(&rel.RunID, &rel.RelationshipID, &rel.SourceEntityID, &rel.TargetEntityID, &rel.Type,
		&rel.Confidence, &rel.EvidenceSummary, &rel.CreatedAt, &rel.UpdatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	return rel, err
}

// ListRelationships returns a run's validated relationships in a stable
// order, batched for the graph builder.
func (r Repo) ListRelationships(ctx context.Context, runID string, limit int, cursor string) ([]domain.Relationship, error) {
	query := `SELECT run_id,relationship_id,source_entity_id,target_entity_id,type,confidence,COALESCE(evidence_summary,''),created_at,updated_at
FROM relationships WHERE run_id=?`
	args := []any{runID}
	if cursor != "" {
		query += ` AND relationship_id>?`
		args = append(args, cursor)
	}
	query += ` ORDER BY relationship_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		if err := rows.Scan(&rel.RunID, &rel.RelationshipID, &rel.SourceEntityID, &rel.TargetEntityID, &rel.Type,
			&rel.Confidence, &rel.EvidenceSummary, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

func (r Repo) CountRelationships(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM relationships WHERE run_id=?`, runID).Scan(&n)
	return n, err
}
