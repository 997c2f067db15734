package repo

import (
	"context"
	"database/sql"

	"codeweft/internal/domain"
)

func (r Repo) InsertOutboxEventTx(ctx context.Context, tx *sql.Tx, e domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbox_events(id,run_id,event_name,payload_json,status,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.RunID, e.EventName, e.PayloadJSON, e.Status, e.CreatedAt)
	return err
}

// ListPendingOutboxEvents returns up to limit pending events, oldest first.
func (r Repo) ListPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	query := `SELECT id,run_id,event_name,payload_json,status,created_at,published_at FROM outbox_events WHERE status=? ORDER BY created_at ASC, id ASC`
	args := []any{domain.OutboxPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var published sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventName, &e.PayloadJSON, &e.Status, &e.CreatedAt, &published); err != nil {
			return nil, err
		}
		if published.Valid {
			e.PublishedAt = &published.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkOutboxPublished flips an event to published after the enqueue
// round-trip succeeded. Never called before.
func (r Repo) MarkOutboxPublished(ctx context.Context, id, publishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox_events SET status=?, published_at=? WHERE id=? AND status=?`,
		domain.OutboxPublished, publishedAt, id, domain.OutboxPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountOutboxByStatus(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM outbox_events WHERE run_id=? GROUP BY status`, runID)
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
