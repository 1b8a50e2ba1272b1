package repository

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx, so repos can run inside
// database.WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Document is a catalog row for one evidence document.
type Document struct {
	Login         string
	Label         string
	Name          string
	SessionID     string
	ScrapedAt     time.Time
	MimeType      string
	OriginalURL   string
	Extension     string
	CoverageStart string
	CoverageEnd   string
	Removed       bool
}

// Review item kinds.
const (
	ReviewAmbiguous          = "ambiguous"
	ReviewStale              = "stale"
	ReviewChangedAfterRemove = "changed-after-remove"
	ReviewDiscrepancy        = "discrepancy"
	ReviewNoFinalTransaction = "no-final-transaction"
)

// Review item statuses.
const (
	StatusPending   = "pending"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// ReviewItem is something the operator has to look at. Ref identifies the
// subject (fingerprint, entry id or GL id) so the same open item is not
// queued twice.
type ReviewItem struct {
	ID        string
	Kind      string
	Login     string
	Label     string
	EntryID   string
	GLTxnID   string
	Ref       string
	Detail    string
	Status    string
	CreatedAt time.Time
}
