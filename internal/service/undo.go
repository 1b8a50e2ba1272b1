package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// UndoService withdraws the evidence of a scrape session.
type UndoService struct {
	*Store
}

// RemovedEntry names an entry touched by RemoveScrape.
type RemovedEntry struct {
	Account journal.AccountKey
	EntryID string
	Fields  []string // content fields that changed, for stripped entries
}

type RemoveResult struct {
	Session   string
	Documents []string
	Deleted   []RemovedEntry
	Stripped  []RemovedEntry
	GLDeleted []string
	Stale     []string
}

// sessionDocuments returns, per account of login, the live documents of
// session.
func (s *Store) sessionDocuments(login, session string) (map[journal.AccountKey]map[string]bool, error) {
	keys, err := s.WS.LoginAccounts(login)
	if err != nil {
		return nil, err
	}
	out := map[journal.AccountKey]map[string]bool{}
	for _, k := range keys {
		a, err := s.loadAccount(k)
		if err != nil {
			return nil, err
		}
		docs, err := s.liveDocuments(a)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.Sidecar.ScrapeSessionID != session {
				continue
			}
			if out[k] == nil {
				out[k] = map[string]bool{}
			}
			out[k][d.Name] = true
		}
	}
	return out, nil
}

// RemoveScrape withdraws every document of a scrape session. Entries backed
// only by the session are deleted together with their GL transactions;
// entries with other evidence lose the session's refs and are re-evaluated
// from what remains. The documents stay on disk.
func (s *UndoService) RemoveScrape(ctx context.Context, login, session string) (RemoveResult, error) {
	res := RemoveResult{Session: session}
	peers := func() ([]string, error) {
		byAcct, err := s.sessionDocuments(login, session)
		if err != nil {
			return nil, err
		}
		gl, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
		if err != nil {
			return nil, err
		}
		var ids []string
		for k, docs := range byAcct {
			j, err := journal.ReadJournal(s.WS.JournalPath(k))
			if err != nil {
				return nil, err
			}
			for _, e := range j.Entries() {
				if intersects(e, docs) {
					ids = append(ids, e.LinkedGL()...)
				}
			}
		}
		return loginsOf(gl, ids), nil
	}
	g, err := s.acquireWithPeers(ctx, "remove scrape "+session, []string{login}, peers)
	if err != nil {
		return res, err
	}
	defer s.release(g)

	byAcct, err := s.sessionDocuments(login, session)
	if err != nil {
		return res, err
	}
	if len(byAcct) == 0 {
		return res, fmt.Errorf("scrape session %s for login %s: %w", session, login, journal.ErrNotFound)
	}
	keys := make([]journal.AccountKey, 0, len(byAcct))
	for k := range byAcct {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Label < keys[j].Label })

	c, err := s.begin(true)
	if err != nil {
		return res, err
	}
	for _, k := range keys {
		if err := s.removeFromAccount(ctx, c, k, session, byAcct[k], &res); err != nil {
			return res, err
		}
	}
	if err := c.commit(); err != nil {
		return res, err
	}
	if s.Documents != nil {
		if err := s.Documents.MarkSessionRemoved(ctx, session); err != nil {
			s.log().Warn("catalog remove session", zap.String("session", session), zap.Error(err))
		}
	}
	s.log().Info("scrape session removed", zap.String("login", login), zap.String("session", session),
		zap.Int("documents", len(res.Documents)), zap.Int("deleted", len(res.Deleted)),
		zap.Int("stripped", len(res.Stripped)), zap.Int("gl_deleted", len(res.GLDeleted)))
	return res, nil
}

func (s *UndoService) removeFromAccount(ctx context.Context, c *changeSet, key journal.AccountKey, session string, docs map[string]bool, res *RemoveResult) error {
	a, err := c.account(key)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(docs))
	for d := range docs {
		names = append(names, d)
	}
	sort.Strings(names)
	res.Documents = append(res.Documents, names...)

	a.record(oplog.RemoveScrape{ScrapeSessionID: session, Documents: names})
	a.dirty = true

	var index map[string]sourced
	for _, e := range a.Journal.Entries() {
		if !intersects(e, docs) {
			continue
		}
		e.RemoveEvidenceFrom(docs)
		if len(e.Evidence) == 0 {
			for _, glID := range e.LinkedGL() {
				if err := s.dropGL(ctx, c, key, e, glID, res); err != nil {
					return err
				}
			}
			a.Journal.Delete(e.ID)
			res.Deleted = append(res.Deleted, RemovedEntry{Account: key, EntryID: e.ID})
			continue
		}
		if index == nil {
			if index, err = s.evidenceIndex(a); err != nil {
				return err
			}
		}
		// Only the remaining refs are looked up, so the session's own
		// documents in the index do not matter.
		fields, _ := reevaluate(e, index)
		res.Stripped = append(res.Stripped, RemovedEntry{Account: key, EntryID: e.ID, Fields: fields})
		if len(fields) == 0 {
			continue
		}
		s.review(ctx, repository.ReviewItem{
			Kind: repository.ReviewChangedAfterRemove, Login: key.Login, Label: key.Label,
			EntryID: e.ID, Ref: key.String() + ":" + e.ID,
			Detail: fmt.Sprintf("removing session %s changed %v", session, fields),
		})
		res.Stale = append(res.Stale, c.markStale(ctx, key, e, fields)...)
	}
	return nil
}

// dropGL deletes a GL transaction linked from an entry that is going away,
// clearing the other side's link for transfers.
func (s *UndoService) dropGL(ctx context.Context, c *changeSet, key journal.AccountKey, e *journal.Entry, glID string, res *RemoveResult) error {
	var ref *int
	for i, id := range e.Links() {
		if id == glID {
			ref = e.PostingRef(i)
			break
		}
	}
	if t, ok := c.GL.Get(glID); ok {
		if err := c.unlink(t); err != nil {
			return err
		}
	}
	c.record(oplog.UndoReconcile{Account: key.String(), EntryID: e.ID, PostingIndex: ref, GLTxnID: glID})
	s.resolveReview(ctx, repository.ReviewStale, glID)
	res.GLDeleted = append(res.GLDeleted, glID)
	return nil
}

func intersects(e *journal.Entry, docs map[string]bool) bool {
	for _, r := range e.Evidence {
		if docs[journal.EvidenceDocument(r)] {
			return true
		}
	}
	return false
}
