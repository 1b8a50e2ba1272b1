package repository

import (
	"context"
	"database/sql"
)

// ReviewRepo handles the operator review queue.
type ReviewRepo struct{ db DBTX }

func NewReviewRepo(db DBTX) *ReviewRepo { return &ReviewRepo{db: db} }

// Add queues an item. It reports false when an identical item is already
// pending.
func (r *ReviewRepo) Add(ctx context.Context, it ReviewItem) (bool, error) {
	if it.Status == "" {
		it.Status = StatusPending
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO review_items(
	 id, kind, login, label, entry_id, gl_txn_id, ref, detail, status, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, it.ID, it.Kind, it.Login, it.Label, it.EntryID, it.GLTxnID, it.Ref, it.Detail, it.Status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const reviewColumns = `id, kind, login, label, entry_id, gl_txn_id, ref, detail, status, created_at`

func scanReview(s interface{ Scan(...any) error }) (ReviewItem, error) {
	var it ReviewItem
	err := s.Scan(&it.ID, &it.Kind, &it.Login, &it.Label, &it.EntryID, &it.GLTxnID, &it.Ref, &it.Detail, &it.Status, &it.CreatedAt)
	return it, err
}

// ListPending returns open items, oldest first. An empty kind lists all.
func (r *ReviewRepo) ListPending(ctx context.Context, kind string) ([]ReviewItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reviewColumns+` FROM review_items
	WHERE status='pending' AND (? = '' OR kind = ?) ORDER BY created_at ASC, id ASC`, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReviewItem
	for rows.Next() {
		it, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *ReviewRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE review_items SET status = ? WHERE id = ?`, status, id)
	return err
}

// ResolveRef closes open items of kind about ref, e.g. once a stale GL
// transaction is reconfirmed.
func (r *ReviewRepo) ResolveRef(ctx context.Context, kind, ref string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE review_items SET status = 'resolved' WHERE kind = ? AND ref = ? AND status = 'pending'`, kind, ref)
	return err
}

// Get returns nil, nil when id is unknown.
func (r *ReviewRepo) Get(ctx context.Context, id string) (*ReviewItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id)
	it, err := scanReview(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}
