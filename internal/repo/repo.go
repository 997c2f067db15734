package repo

import (
	"context"
	"database/sql"
	"errors"

	"codeweft/internal/domain"
)

// Repo is the staging-store access layer. All coordination state (runs, jobs,
// findings, outbox events, manifest, relationships) lives behind it.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,root,status,threshold,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Root, run.Status, run.Threshold, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	err := r.DB.QueryRowContext(ctx, `SELECT id,root,status,threshold,created_at,updated_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.Root, &run.Status, &run.Threshold, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT id,root,status,threshold,created_at,updated_at FROM runs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.Root, &run.Status, &run.Threshold, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRun deletes a run's staging rows once the graph is built and the
// retention window has passed. Graph-store data is untouched.
func (r Repo) PurgeRun(ctx context.Context, runID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM manifest_producers WHERE run_id=?`,
		`DELETE FROM manifest_entries WHERE run_id=?`,
		`DELETE FROM findings WHERE run_id=?`,
		`DELETE FROM outbox_events WHERE run_id=?`,
		`DELETE FROM relationships WHERE run_id=?`,
		`DELETE FROM jobs WHERE run_id=?`,
		`DELETE FROM events WHERE run_id=?`,
		`DELETE FROM runs WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
