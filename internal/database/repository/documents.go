package repository

import (
	"context"
)

// DocumentRepo handles the evidence document catalog.
type DocumentRepo struct{ db DBTX }

func NewDocumentRepo(db DBTX) *DocumentRepo { return &DocumentRepo{db: db} }

func (r *DocumentRepo) Upsert(ctx context.Context, d Document) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO documents(
	 login, label, name, session_id, scraped_at, mime_type, original_url, extension, coverage_start, coverage_end, removed)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(login, label, name) DO UPDATE SET
	 session_id=excluded.session_id, scraped_at=excluded.scraped_at, mime_type=excluded.mime_type,
	 original_url=excluded.original_url, extension=excluded.extension,
	 coverage_start=excluded.coverage_start, coverage_end=excluded.coverage_end, removed=excluded.removed
	`, d.Login, d.Label, d.Name, d.SessionID, d.ScrapedAt.UTC(), d.MimeType, d.OriginalURL, d.Extension,
		d.CoverageStart, d.CoverageEnd, d.Removed)
	return err
}

// MarkSessionRemoved flags every document of a scrape session.
func (r *DocumentRepo) MarkSessionRemoved(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE documents SET removed = 1 WHERE session_id = ?`, sessionID)
	return err
}

func (r *DocumentRepo) ListBySession(ctx context.Context, sessionID string) ([]Document, error) {
	return r.list(ctx, `WHERE session_id = ? ORDER BY scraped_at ASC, name ASC`, sessionID)
}

func (r *DocumentRepo) ListByAccount(ctx context.Context, login, label string) ([]Document, error) {
	return r.list(ctx, `WHERE login = ? AND label = ? ORDER BY scraped_at ASC, name ASC`, login, label)
}

func (r *DocumentRepo) list(ctx context.Context, where string, args ...any) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT login, label, name, session_id, scraped_at, mime_type, original_url, extension, coverage_start, coverage_end, removed FROM documents `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Login, &d.Label, &d.Name, &d.SessionID, &d.ScrapedAt, &d.MimeType, &d.OriginalURL,
			&d.Extension, &d.CoverageStart, &d.CoverageEnd, &d.Removed); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Clear drops every catalog row; used before a rebuild.
func (r *DocumentRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM documents`)
	return err
}
