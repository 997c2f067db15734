package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"codeweft/internal/domain"
)

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,run_id,kind,path,payload_json,status,attempts,max_attempts,not_before,lease_owner,lease_expires_at,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.RunID, j.Kind, nullable(j.Path), nullableStringPtr(j.PayloadJSON), j.Status, j.Attempts, j.MaxAttempts,
		nullableStringPtr(j.NotBefore), nullableStringPtr(j.LeaseOwner), nullableStringPtr(j.LeaseExpiresAt), nullableStringPtr(j.Error),
		j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) AddJobDependenciesTx(ctx context.Context, tx *sql.Tx, jobID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_deps(job_id, depends_on_job_id) VALUES (?,?)`, jobID, d); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseHeldJobsTx flips a run's held jobs to pending. Called in the same
// transaction that registered all dependencies, so a job can never be claimed
// before its parents know about it.
func (r Repo) ReleaseHeldJobsTx(ctx context.Context, tx *sql.Tx, runID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE run_id=? AND status=?`,
		domain.JobPending, updatedAt, runID, domain.JobHeld)
	return err
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var path, payload, notBefore, leaseOwner, leaseExpires, jobErr sql.NullString
	err := scan(&j.ID, &j.RunID, &j.Kind, &path, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&notBefore, &leaseOwner, &leaseExpires, &jobErr, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	if path.Valid {
		j.Path = path.String
	}
	if payload.Valid {
		j.PayloadJSON = &payload.String
	}
	if notBefore.Valid {
		j.NotBefore = &notBefore.String
	}
	if leaseOwner.Valid {
		j.LeaseOwner = &leaseOwner.String
	}
	if leaseExpires.Valid {
		j.LeaseExpiresAt = &leaseExpires.String
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	return j, nil
}

const jobColumns = `id,run_id,kind,path,payload_json,status,attempts,max_attempts,not_before,lease_owner,lease_expires_at,error,created_at,updated_at`

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DependsOn, err = r.ListJobDependencies(ctx, id)
	return j, err
}

func (r Repo) ListJobDependencies(ctx context.Context, jobID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_job_id FROM job_deps WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

type JobFilters struct {
	RunID  string
	Status string
	Kind   string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// NextRunnableJob returns the oldest pending job of one of the given kinds
// whose dependencies have all completed and whose backoff window has passed.
func (r Repo) NextRunnableJob(ctx context.Context, runID, now string, kinds []string) (domain.Job, error) {
	var j domain.Job
	clauses := []string{"status=?", "(not_before IS NULL OR not_before<=?)"}
	args := []any{domain.JobPending, now}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if len(kinds) > 0 {
		ph := make([]string, len(kinds))
		for i, k := range kinds {
			ph[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, "kind IN ("+strings.Join(ph, ",")+")")
	}
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM job_deps d
		JOIN jobs dep ON dep.id=d.depends_on_job_id
		WHERE d.job_id=jobs.id AND dep.status != 'completed'
	)`)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// ClaimJob atomically moves a pending job to running for the given owner.
// Returns ErrNotFound when another worker won the race.
func (r Repo) ClaimJob(ctx context.Context, jobID, owner, leaseExpiresAt, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND status=?`,
		domain.JobRunning, owner, leaseExpiresAt, now, jobID, domain.JobPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteJobTx(ctx context.Context, tx *sql.Tx, jobID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, lease_owner=NULL, lease_expires_at=NULL, error=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.JobCompleted, now, jobID, domain.JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryJob returns a failed running job to the pending pool with a backoff
// window. The caller decides between retry and dead-letter by attempt count.
func (r Repo) RetryJob(ctx context.Context, jobID, errMsg, notBefore, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, lease_owner=NULL, lease_expires_at=NULL, error=?, not_before=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobPending, errMsg, notBefore, now, jobID, domain.JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeadLetterJob(ctx context.Context, jobID, errMsg, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, lease_owner=NULL, lease_expires_at=NULL, error=?, updated_at=? WHERE id=? AND status=?`,
		domain.JobDeadLettered, errMsg, now, jobID, domain.JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStalledJobs returns running jobs with expired leases to the pending
// pool. Covers workers that died mid-processing.
func (r Repo) RequeueStalledJobs(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE status=? AND lease_expires_at IS NOT NULL AND lease_expires_at<?`,
		domain.JobPending, now, domain.JobRunning, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountJobsByStatus(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs WHERE run_id=? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ActiveJobCount counts jobs that can still make progress for a run.
func (r Repo) ActiveJobCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE run_id=? AND status IN (?,?,?)`,
		runID, domain.JobHeld, domain.JobPending, domain.JobRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}
