package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"codeweft/internal/domain"
)

// InsertFindingTx persists a finding inside the worker's transaction, next to
// the outbox event announcing it. Duplicate (run, relationship, producer)
// rows are ignored so worker retries stay idempotent.
func (r Repo) InsertFindingTx(ctx context.Context, tx *sql.Tx, f domain.Finding) (int64, error) {
	boosts, err := marshalFloats(f.Boosts)
	if err != nil {
		return 0, err
	}
	penalties, err := marshalFloats(f.Penalties)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO findings(run_id,relationship_id,producer_id,source_entity_id,target_entity_id,relationship_type,supports_existence,initial_score,boosts_json,penalties_json,raw_evidence,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.RunID, f.RelationshipID, f.ProducerID, f.SourceEntityID, f.TargetEntityID, f.RelationshipType,
		boolToInt(f.SupportsExistence), f.InitialScore, boosts, penalties, nullable(f.RawEvidence), f.CreatedAt)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// already recorded by an earlier attempt; fetch its id
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM findings WHERE run_id=? AND relationship_id=? AND producer_id=?`,
			f.RunID, f.RelationshipID, f.ProducerID).Scan(&id)
		return id, err
	}
	return res.LastInsertId()
}

func (r Repo) GetFinding(ctx context.Context, id int64) (domain.Finding, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,run_id,relationship_id,producer_id,source_entity_id,target_entity_id,relationship_type,supports_existence,initial_score,boosts_json,penalties_json,raw_evidence,created_at FROM findings WHERE id=?`, id)
	f, err := scanFinding(row.Scan)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

// ListFindings returns a relationship's findings in insertion order. The
// scorer's baseline rule makes this ordering part of the contract.
func (r Repo) ListFindings(ctx context.Context, runID, relationshipID string) ([]domain.Finding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,relationship_id,producer_id,source_entity_id,target_entity_id,relationship_type,supports_existence,initial_score,boosts_json,penalties_json,raw_evidence,created_at
FROM findings WHERE run_id=? AND relationship_id=? ORDER BY id ASC`, runID, relationshipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func scanFinding(scan func(dest ...any) error) (domain.Finding, error) {
	var f domain.Finding
	var supports int
	var boosts, penalties, raw sql.NullString
	err := scan(&f.ID, &f.RunID, &f.RelationshipID, &f.ProducerID, &f.SourceEntityID, &f.TargetEntityID,
		&f.RelationshipType, &supports, &f.InitialScore, &boosts, &penalties, &raw, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	f.SupportsExistence = supports != 0
	if raw.Valid {
		f.RawEvidence = raw.String
	}
	if boosts.Valid {
		if err := json.Unmarshal([]byte(boosts.String), &f.Boosts); err != nil {
			return f, fmt.Errorf("finding %d boosts: %w", f.ID, err)
		}
	}
	if penalties.Valid {
		if err := json.Unmarshal([]byte(penalties.String), &f.Penalties); err != nil {
			return f, fmt.Errorf("finding %d penalties: %w", f.ID, err)
		}
	}
	return f, nil
}

func marshalFloats(in []float64) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
