package repo

import (
	"context"
	"database/sql"

	"codeweft/internal/domain"
)

// Manifest rows are insert-only until sealing: entries are conditionally
// created and producer rows are INSERT OR IGNORE, so concurrent registration
// of the same relationship never loses a producer and expected sets only grow.

func (r Repo) EnsureManifestEntryTx(ctx context.Context, tx *sql.Tx, runID, relationshipID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO manifest_entries(run_id,relationship_id,state,created_at,updated_at) VALUES (?,?,?,?,?)`,
		runID, relationshipID, domain.ManifestOpen, now, now)
	return err
}

func (r Repo) AddManifestProducersTx(ctx context.Context, tx *sql.Tx, runID, relationshipID, role string, producers []string) error {
	for _, p := range producers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO manifest_producers(run_id,relationship_id,producer_id,role) VALUES (?,?,?,?)`,
			runID, relationshipID, p, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetManifestEntry(ctx context.Context, runID, relationshipID string) (domain.ManifestEntry, error) {
	var e domain.ManifestEntry
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,relationship_id,state,created_at,updated_at FROM manifest_entries WHERE run_id=? AND relationship_id=?`,
		runID, relationshipID).Scan(&e.RunID, &e.RelationshipID, &e.State, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ExpectedProducers, err = r.listManifestProducers(ctx, runID, relationshipID, "expected")
	if err != nil {
		return e, err
	}
	e.ReceivedProducers, err = r.listManifestProducers(ctx, runID, relationshipID, "received")
	return e, err
}

func (r Repo) listManifestProducers(ctx context.Context, runID, relationshipID, role string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT producer_id FROM manifest_producers WHERE run_id=? AND relationship_id=? AND role=? ORDER BY producer_id`,
		runID, relationshipID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SealManifestEntryTx moves an open entry to sealed iff every expected
// producer has a received row. Reports whether this call sealed it.
func (r Repo) SealManifestEntryTx(ctx context.Context, tx *sql.Tx, runID, relationshipID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE manifest_entries SET state=?, updated_at=?
WHERE run_id=? AND relationship_id=? AND state=?
AND NOT EXISTS (
	SELECT 1 FROM manifest_producers exp
	WHERE exp.run_id=manifest_entries.run_id AND exp.relationship_id=manifest_entries.relationship_id AND exp.role='expected'
	AND NOT EXISTS (
		SELECT 1 FROM manifest_producers rcv
		WHERE rcv.run_id=exp.run_id AND rcv.relationship_id=exp.relationship_id AND rcv.producer_id=exp.producer_id AND rcv.role='received'
	)
)`, domain.ManifestSealed, now, runID, relationshipID, domain.ManifestOpen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ManifestEntryStateTx(ctx context.Context, tx *sql.Tx, runID, relationshipID string) (string, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM manifest_entries WHERE run_id=? AND relationship_id=?`,
		runID, relationshipID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return state, err
}

func (r Repo) MarkManifestReconciledTx(ctx context.Context, tx *sql.Tx, runID, relationshipID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE manifest_entries SET state=?, updated_at=? WHERE run_id=? AND relationship_id=? AND state=?`,
		domain.ManifestReconciled, now, runID, relationshipID, domain.ManifestSealed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountManifestByState(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM manifest_entries WHERE run_id=? GROUP BY state`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}
