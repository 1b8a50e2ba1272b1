package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
	"github.com/jask/jaskledger/internal/workspace"
)

// IngestService is the account journal updater: it stores evidence, runs
// the matching engine and owns entry id assignment.
type IngestService struct {
	*Store
	Engine *dedup.Engine
}

// DocumentInput is one scraped document. Proposed, when non-nil, are the
// scraper's own proposed transactions; otherwise the account's extractor runs.
type DocumentInput struct {
	Name     string
	Bytes    []byte
	Sidecar  workspace.Sidecar
	Proposed []journal.ProposedTransaction
}

// AmbiguousMatch is a proposed transaction waiting on a dedup override.
type AmbiguousMatch struct {
	Index       int
	Fingerprint string
	Evidence    []string
	Candidates  []string
}

type IngestResult struct {
	Document      string
	Created       int
	Updated       int
	Unchanged     int
	ClosedPending []string
	Ambiguous     []AmbiguousMatch
	Errors        []error
	Stale         []string
}

// Ingest folds one document into its account journal. Lock, mapping and
// storage failures are returned before anything is written; per-row
// problems are collected in the result.
func (s *IngestService) Ingest(ctx context.Context, key journal.AccountKey, in DocumentInput) (IngestResult, error) {
	res := IngestResult{Document: in.Name}
	g, err := s.acquire(ctx, "ingest "+key.String()+" "+in.Name, true, key.Login)
	if err != nil {
		return res, err
	}
	defer s.release(g)

	if err := s.WS.EnsureAccount(key); err != nil {
		return res, err
	}
	if err := s.checkMapping(key); err != nil {
		return res, err
	}
	c, err := s.begin(true)
	if err != nil {
		return res, err
	}
	a, err := c.account(key)
	if err != nil {
		return res, err
	}
	if oplog.RemovedSessions(a.Ops)[in.Sidecar.ScrapeSessionID] {
		return res, &journal.ConflictError{Resource: "scrape session " + in.Sidecar.ScrapeSessionID, Reason: "was removed"}
	}

	doc, err := s.WS.StoreDocument(key, in.Name, in.Bytes, in.Sidecar)
	if err != nil {
		return res, err
	}
	if in.Proposed != nil {
		if err := s.WS.WriteProposals(doc, in.Proposed); err != nil {
			return res, err
		}
	}
	txns, extractedBy, err := s.proposals(a, doc)
	if err != nil {
		if len(txns) == 0 {
			return res, fmt.Errorf("extract %s: %w", doc.Name, err)
		}
		res.Errors = append(res.Errors, splitJoined(err)...)
	}

	s.fold(ctx, c, a, batch{
		Doc: doc, Account: a.Config.Account, ExtractedBy: extractedBy,
		Txns: txns, Overrides: oplog.Overrides(a.Ops),
	}, &res)
	if err := c.commit(); err != nil {
		return res, err
	}
	s.catalogDocument(ctx, doc, false)
	s.log().Info("document ingested",
		zap.String("account", key.String()), zap.String("document", doc.Name),
		zap.String("session", doc.Sidecar.ScrapeSessionID),
		zap.Int("created", res.Created), zap.Int("updated", res.Updated), zap.Int("unchanged", res.Unchanged),
		zap.Int("ambiguous", len(res.Ambiguous)), zap.Int("errors", len(res.Errors)))
	return res, nil
}

// fold applies b to a inside c and records the bookkeeping: entry-created
// operations, review items, stale GL transactions and coverage closure.
func (s *IngestService) fold(ctx context.Context, c *changeSet, a *account, b batch, res *IngestResult) outcome {
	out := applyBatch(s.Engine, a.Journal, b, func(dedup.Decision) string { return s.newID() })
	for _, d := range out.Decisions {
		s.log().Debug("dedup decision", zap.String("document", b.Doc.Name), zap.Int("row", d.Index),
			zap.Stringer("kind", d.Kind), zap.String("step", string(d.Step)), zap.String("entry", d.EntryID))
		if d.Kind != dedup.Ambiguous {
			continue
		}
		res.Ambiguous = append(res.Ambiguous, AmbiguousMatch{
			Index: d.Index, Fingerprint: d.Fingerprint, Evidence: d.Proposed.Evidence(), Candidates: d.Candidates,
		})
		s.review(ctx, repository.ReviewItem{
			Kind: repository.ReviewAmbiguous, Login: a.Key.Login, Label: a.Key.Label,
			Ref: d.Fingerprint, Detail: d.Err.Error(),
		})
	}
	for _, op := range out.Created {
		a.record(op)
	}
	for _, id := range out.Updated {
		fields, changed := out.Changed[id]
		if !changed {
			continue
		}
		e, _ := a.Journal.Get(id)
		res.Stale = append(res.Stale, c.markStale(ctx, a.Key, e, fields)...)
	}
	for _, id := range out.Closed {
		s.review(ctx, repository.ReviewItem{
			Kind: repository.ReviewNoFinalTransaction, Login: a.Key.Login, Label: a.Key.Label,
			EntryID: id, Ref: a.Key.String() + ":" + id,
			Detail: "pending entry closed by coverage of " + b.Doc.Name,
		})
	}
	if out.Mutated() {
		a.dirty = true
	}
	res.Created += len(out.Created)
	res.Updated += len(out.Updated)
	res.Unchanged += out.Unchanged
	res.ClosedPending = append(res.ClosedPending, out.Closed...)
	res.Errors = append(res.Errors, out.Errors...)
	return out
}

// ManualAdd records an operator-entered transaction. Evidence tags are
// optional; when present they must be well formed.
func (s *IngestService) ManualAdd(ctx context.Context, key journal.AccountKey, p journal.ProposedTransaction) (string, error) {
	if p.Date.IsZero() {
		return "", &journal.ValidationError{Reason: "missing date"}
	}
	for _, ref := range p.Evidence() {
		if _, err := journal.ParseEvidence(ref); err != nil {
			return "", &journal.ValidationError{Evidence: ref, Reason: err.Error()}
		}
	}
	if len(p.Postings) == 1 {
		return "", &journal.ValidationError{Reason: "explicit postings need at least two legs"}
	}
	g, err := s.acquire(ctx, "manual add "+key.String(), false, key.Login)
	if err != nil {
		return "", err
	}
	defer s.release(g)

	if err := s.WS.EnsureAccount(key); err != nil {
		return "", err
	}
	a, err := s.loadAccount(key)
	if err != nil {
		return "", err
	}
	id := s.newID()
	a.Journal.Put(journal.NewEntry(id, p.Normalize(a.Config.Account), manualSource))
	a.dirty = true
	a.record(oplog.ManualAdd{EntryID: id, Transaction: p})
	if err := s.saveAccount(a); err != nil {
		return "", err
	}
	s.log().Info("manual entry added", zap.String("account", key.String()), zap.String("entry", id))
	return id, nil
}

// Override pins (force-match) or forbids (prevent-match) the match between
// the proposed transaction with the given fingerprint and entryID, then
// re-runs the document that proposed it. The override is logged and
// applied on every later run.
func (s *IngestService) Override(ctx context.Context, key journal.AccountKey, action oplog.OverrideAction, entryID, fingerprint string) (IngestResult, error) {
	var res IngestResult
	if action != oplog.ForceMatch && action != oplog.PreventMatch {
		return res, fmt.Errorf("override action %q: want %s or %s", action, oplog.ForceMatch, oplog.PreventMatch)
	}
	g, err := s.acquire(ctx, "dedup override "+key.String(), true, key.Login)
	if err != nil {
		return res, err
	}
	defer s.release(g)

	c, err := s.begin(true)
	if err != nil {
		return res, err
	}
	a, err := c.account(key)
	if err != nil {
		return res, err
	}
	target, err := a.entry(entryID)
	if err != nil {
		return res, err
	}
	src, txns, extractedBy, err := s.findProposal(a, fingerprint)
	if err != nil {
		return res, err
	}
	res.Document = src.Doc.Name
	refs := src.P.Evidence()

	switch action {
	case oplog.ForceMatch:
		for _, e := range a.Journal.Entries() {
			if e.ID == target.ID || stripEvidence(e, refs) == 0 {
				continue
			}
			if len(e.Evidence) == 0 {
				if len(e.LinkedGL()) > 0 {
					return res, &journal.ConflictError{Resource: "entry " + e.ID,
						Reason: fmt.Sprintf("is reconciled to %v and only backed by the overridden transaction; unreconcile it first", e.LinkedGL())}
				}
				a.Journal.Delete(e.ID)
				s.log().Info("entry absorbed by force-match", zap.String("entry", e.ID), zap.String("into", target.ID))
				continue
			}
			if err := s.refresh(ctx, c, a, e); err != nil {
				return res, err
			}
		}
	case oplog.PreventMatch:
		if stripEvidence(target, refs) > 0 {
			if len(target.Evidence) == 0 {
				return res, &journal.ConflictError{Resource: "entry " + target.ID,
					Reason: "is only backed by this proposed transaction"}
			}
			if err := s.refresh(ctx, c, a, target); err != nil {
				return res, err
			}
		}
	}
	a.dirty = true
	op := oplog.DedupOverride{Action: action, EntryID: entryID, Fingerprint: fingerprint, Proposed: src.P}
	a.record(op)
	overrides := oplog.Overrides(a.Ops)
	overrides[fingerprint] = append(overrides[fingerprint], op)

	s.fold(ctx, c, a, batch{
		Doc: src.Doc, Account: a.Config.Account, ExtractedBy: extractedBy,
		Txns: txns, Overrides: overrides,
	}, &res)
	if err := c.commit(); err != nil {
		return res, err
	}
	s.resolveReview(ctx, repository.ReviewAmbiguous, fingerprint)
	s.log().Info("dedup override applied", zap.String("account", key.String()), zap.String("action", string(action)),
		zap.String("entry", entryID), zap.String("document", src.Doc.Name))
	return res, nil
}

// findProposal locates the live proposal with fingerprint and returns it
// with the rest of its document's batch.
func (s *Store) findProposal(a *account, fingerprint string) (sourced, []journal.ProposedTransaction, string, error) {
	docs, err := s.liveDocuments(a)
	if err != nil {
		return sourced{}, nil, "", err
	}
	for _, doc := range docs {
		txns, by, err := s.proposals(a, doc)
		if err != nil && len(txns) == 0 {
			s.log().Warn("re-read document", zap.String("document", doc.Name), zap.Error(err))
			continue
		}
		for _, p := range txns {
			np := p.Normalize(a.Config.Account)
			if np.Fingerprint() == fingerprint {
				return sourced{P: np, Doc: doc}, txns, by, nil
			}
		}
	}
	return sourced{}, nil, "", fmt.Errorf("proposed transaction %s in %s: %w", fingerprint, a.Key, journal.ErrNotFound)
}

// refresh re-evaluates e after some of its evidence moved elsewhere and
// marks its GL transactions stale if the content changed.
func (s *Store) refresh(ctx context.Context, c *changeSet, a *account, e *journal.Entry) error {
	index, err := s.evidenceIndex(a)
	if err != nil {
		return err
	}
	if fields, ok := reevaluate(e, index); ok && len(fields) > 0 {
		c.markStale(ctx, a.Key, e, fields)
	}
	a.dirty = true
	return nil
}

// PostingStatus is where one entry posting sits in reconciliation.
type PostingStatus string

const (
	Unreconciled PostingStatus = "unreconciled"
	Reconciled   PostingStatus = "reconciled"
	Stale        PostingStatus = "stale"
)

// PostingState is one unreconciled-side posting and its status.
type PostingState struct {
	Index   int
	Amount  string
	Status  PostingStatus
	GLTxnID string
}

// EntryView is an entry with its reconciliation status, for display.
type EntryView struct {
	Entry    *journal.Entry
	Postings []PostingState
}

// Entries lists an account's entries with per-posting status. It reads
// without locking; files are only ever replaced whole.
func (s *IngestService) Entries(key journal.AccountKey) ([]EntryView, error) {
	j, err := journal.ReadJournal(s.WS.JournalPath(key))
	if err != nil {
		return nil, err
	}
	gl, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
	if err != nil {
		return nil, err
	}
	var out []EntryView
	for _, e := range j.Entries() {
		v := EntryView{Entry: e}
		for _, i := range e.UnreconciledPostings() {
			st := PostingState{Index: i, Amount: e.Postings[i].Amount.String(), Status: Unreconciled}
			if id := e.Link(i); id != "" {
				st.GLTxnID = id
				t, ok := gl.Get(id)
				switch {
				case !ok:
					s.log().Warn("forward link to missing GL transaction", zap.String("entry", e.ID), zap.String("gl_txn", id))
				case t.IsStale():
					st.Status = Stale
				default:
					st.Status = Reconciled
				}
			}
			v.Postings = append(v.Postings, st)
		}
		out = append(out, v)
	}
	return out, nil
}
