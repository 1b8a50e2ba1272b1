package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
)

// MaintenanceService keeps the derived catalog in step with the workspace.
type MaintenanceService struct {
	*Store
	DB *sql.DB
}

// CatalogStats summarizes a rebuild.
type CatalogStats struct {
	Documents     int
	Removed       int
	StaleResolved int
}

// RebuildCatalog drops the document catalog and rebuilds it from the
// evidence on disk and the remove-scrape operations, then closes stale
// review items whose GL transaction is no longer stale.
func (s *MaintenanceService) RebuildCatalog(ctx context.Context) (CatalogStats, error) {
	var st CatalogStats
	if s.DB == nil {
		return st, fmt.Errorf("maintenance: db not configured")
	}
	keys, err := s.WS.Accounts()
	if err != nil {
		return st, err
	}
	var rows []repository.Document
	for _, k := range keys {
		a, err := s.loadAccount(k)
		if err != nil {
			return st, err
		}
		docs, err := s.WS.Documents(k)
		if err != nil {
			return st, err
		}
		removed := a.removedDocuments()
		for _, d := range docs {
			rows = append(rows, catalogRow(d, removed[d.Name]))
		}
	}

	if err := database.WithTx(s.DB, func(tx *sql.Tx) error {
		docs := repository.NewDocumentRepo(tx)
		if err := docs.Clear(ctx); err != nil {
			return fmt.Errorf("reset table documents: %w", err)
		}
		for _, r := range rows {
			if err := docs.Upsert(ctx, r); err != nil {
				return fmt.Errorf("catalog %s/%s: %w", r.Login, r.Name, err)
			}
			st.Documents++
			if r.Removed {
				st.Removed++
			}
		}
		return nil
	}); err != nil {
		return CatalogStats{}, err
	}

	gl, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
	if err != nil {
		return st, err
	}
	reviews := repository.NewReviewRepo(s.DB)
	items, err := reviews.ListPending(ctx, repository.ReviewStale)
	if err != nil {
		return st, err
	}
	for _, it := range items {
		if t, ok := gl.Get(it.GLTxnID); ok && t.IsStale() {
			continue
		}
		if err := reviews.UpdateStatus(ctx, it.ID, repository.StatusResolved); err != nil {
			return st, err
		}
		st.StaleResolved++
	}
	_, _ = s.DB.ExecContext(ctx, "VACUUM")
	s.log().Info("catalog rebuilt", zap.Int("documents", st.Documents), zap.Int("removed", st.Removed),
		zap.Int("stale_resolved", st.StaleResolved))
	return st, nil
}
