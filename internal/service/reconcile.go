package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// Reconciler assigns real counterpart accounts to unreconciled postings by
// appending GL transactions.
type Reconciler struct {
	*Store
	Transfers TransferPolicy
}

// reconcileTxn builds the GL transaction for posting i of e: the real side
// on glAccount and the counterpart taking the unreconciled amount.
func reconcileTxn(id string, key journal.AccountKey, e *journal.Entry, i int, glAccount, counterpart string) *journal.GLTransaction {
	p := e.Postings[i]
	t := &journal.GLTransaction{
		ID: id, Date: e.Date, Status: e.Status, Description: e.Description, Comment: e.Comment,
		Postings: []journal.Posting{
			{Account: glAccount, Amount: p.Amount.Neg(), Commodity: p.Commodity},
			{Account: counterpart, Amount: p.Amount, Commodity: p.Commodity},
		},
	}
	t.Tags.Add(journal.TagGeneratedBy, journal.GeneratedByReconciler)
	t.Tags.Add(journal.TagSource, journal.SourceRef{Account: key, EntryID: e.ID, Posting: e.PostingRef(i)}.String())
	return t
}

// transferSide is a resolved TransferSide.
type transferSide struct {
	key   journal.AccountKey
	gl    string
	entry *journal.Entry
	index int
}

// transferTxn builds the single GL transaction that books two transfer
// sides against each other. Postings follow side order.
func transferTxn(id string, a, b transferSide) *journal.GLTransaction {
	pa, pb := a.entry.Postings[a.index], b.entry.Postings[b.index]
	date := a.entry.Date
	if b.entry.Date.Before(date) {
		date = b.entry.Date
	}
	status := a.entry.Status
	if b.entry.Status < status {
		status = b.entry.Status
	}
	t := &journal.GLTransaction{
		ID: id, Date: date, Status: status, Description: a.entry.Description,
		Postings: []journal.Posting{
			{Account: a.gl, Amount: pa.Amount.Neg(), Commodity: pa.Commodity},
			{Account: b.gl, Amount: pb.Amount.Neg(), Commodity: pb.Commodity},
		},
	}
	t.Tags.Add(journal.TagGeneratedBy, journal.GeneratedByReconciler)
	for _, s := range []transferSide{a, b} {
		t.Tags.Add(journal.TagSource, journal.SourceRef{Account: s.key, EntryID: s.entry.ID, Posting: s.entry.PostingRef(s.index)}.String())
	}
	return t
}

// trackedGL reports which login account, if any, reconciles into gl.
func trackedGL(m map[journal.AccountKey]string, gl string) (journal.AccountKey, bool) {
	for k, v := range m {
		if v == gl {
			return k, true
		}
	}
	return journal.AccountKey{}, false
}

func openPosting(e *journal.Entry, index *int) (int, error) {
	i, err := e.ResolvePosting(index)
	if err != nil {
		return 0, err
	}
	if link := e.Link(i); link != "" {
		return 0, &journal.ConflictError{Resource: fmt.Sprintf("entry %s posting %d", e.ID, i), Reason: "is already reconciled to " + link}
	}
	return i, nil
}

// Reconcile books posting postingIndex of an entry against counterpart and
// returns the new GL transaction id. postingIndex may be nil when the entry
// has a single unreconciled posting.
func (s *Reconciler) Reconcile(ctx context.Context, key journal.AccountKey, entryID, counterpart string, postingIndex *int) (string, error) {
	if counterpart == "" {
		return "", fmt.Errorf("reconcile %s:%s: counterpart account required", key, entryID)
	}
	g, err := s.acquire(ctx, "reconcile "+key.String()+":"+entryID, true, key.Login)
	if err != nil {
		return "", err
	}
	defer s.release(g)

	m, err := s.mappings()
	if err != nil {
		return "", err
	}
	if err := s.checkMapping(key); err != nil {
		return "", err
	}
	if owner, ok := trackedGL(m, counterpart); ok {
		return "", &journal.ConflictError{Resource: "gl account " + counterpart,
			Reason: "belongs to tracked account " + owner.String() + "; reconcile it as a transfer"}
	}
	if (journal.Posting{Account: counterpart}).IsUnreconciled() {
		return "", &journal.ConflictError{Resource: "gl account " + counterpart, Reason: "is a placeholder account"}
	}

	c, err := s.begin(true)
	if err != nil {
		return "", err
	}
	a, err := c.account(key)
	if err != nil {
		return "", err
	}
	e, err := a.entry(entryID)
	if err != nil {
		return "", err
	}
	i, err := openPosting(e, postingIndex)
	if err != nil {
		return "", err
	}

	t := reconcileTxn(s.newID(), key, e, i, a.GLAccount(), counterpart)
	c.putGL(t)
	c.record(oplog.Reconcile{
		Account: key.String(), EntryID: e.ID, CounterpartAccount: counterpart,
		PostingIndex: e.PostingRef(i), GLTxnID: t.ID,
	})
	e.SetLink(i, t.ID)
	a.dirty = true
	if err := c.commit(); err != nil {
		return "", err
	}
	s.log().Info("entry reconciled", zap.String("account", key.String()), zap.String("entry", e.ID),
		zap.Int("posting", i), zap.String("gl_txn", t.ID), zap.String("counterpart", counterpart))
	return t.ID, nil
}

// resolveSide loads one transfer side and checks it can take part.
func (s *Reconciler) resolveSide(c *changeSet, m map[journal.AccountKey]string, side TransferSide) (transferSide, error) {
	a, err := c.account(side.Account)
	if err != nil {
		return transferSide{}, err
	}
	e, err := a.entry(side.EntryID)
	if err != nil {
		return transferSide{}, err
	}
	if !s.Transfers.IsTransfer(e) {
		return transferSide{}, &journal.ConflictError{Resource: fmt.Sprintf("entry %s:%s", side.Account, e.ID),
			Reason: fmt.Sprintf("is not flagged as a transfer (%q)", e.Description)}
	}
	i, err := openPosting(e, side.PostingIndex)
	if err != nil {
		return transferSide{}, err
	}
	gl := a.GLAccount()
	if others := holders(m, gl, side.Account); len(others) > 0 {
		return transferSide{}, mappingConflict(gl, side.Account, others)
	}
	return transferSide{key: side.Account, gl: gl, entry: e, index: i}, nil
}

// ReconcileTransfer books two flagged entries from different login accounts
// against each other in one GL transaction, logged as one transfer-match.
func (s *Reconciler) ReconcileTransfer(ctx context.Context, from, to TransferSide) (string, error) {
	if from.Account == to.Account {
		return "", &journal.ConflictError{Resource: "account " + from.Account.String(), Reason: "cannot transfer to itself"}
	}
	g, err := s.acquire(ctx, "reconcile transfer", true, from.Account.Login, to.Account.Login)
	if err != nil {
		return "", err
	}
	defer s.release(g)

	m, err := s.mappings()
	if err != nil {
		return "", err
	}
	c, err := s.begin(true)
	if err != nil {
		return "", err
	}
	a, err := s.resolveSide(c, m, from)
	if err != nil {
		return "", err
	}
	b, err := s.resolveSide(c, m, to)
	if err != nil {
		return "", err
	}
	if a.gl == b.gl {
		return "", &journal.ConflictError{Resource: "gl account " + a.gl, Reason: "is shared by both sides"}
	}
	ua, ub := a.entry.Postings[a.index].Amount, b.entry.Postings[b.index].Amount
	if ua.IsZero() || !ua.Add(ub).IsZero() {
		return "", &journal.ConflictError{Resource: fmt.Sprintf("entries %s and %s", a.entry.ID, b.entry.ID),
			Reason: fmt.Sprintf("do not cancel out (%s vs %s)", ua, ub)}
	}
	if days := journal.DaysBetween(a.entry.Date, b.entry.Date); days > s.Transfers.WindowDays {
		return "", &journal.ConflictError{Resource: fmt.Sprintf("entries %s and %s", a.entry.ID, b.entry.ID),
			Reason: fmt.Sprintf("are %d days apart, window is %d", days, s.Transfers.WindowDays)}
	}

	t := transferTxn(s.newID(), a, b)
	c.putGL(t)
	c.record(oplog.TransferMatch{
		Entries: [2]oplog.TransferSide{
			{Account: a.key.String(), EntryID: a.entry.ID, PostingIndex: a.entry.PostingRef(a.index)},
			{Account: b.key.String(), EntryID: b.entry.ID, PostingIndex: b.entry.PostingRef(b.index)},
		},
		GLTxnID: t.ID,
	})
	for _, side := range []transferSide{a, b} {
		side.entry.SetLink(side.index, t.ID)
		acct, _ := c.account(side.key)
		acct.dirty = true
	}
	if err := c.commit(); err != nil {
		return "", err
	}
	s.log().Info("transfer reconciled", zap.String("gl_txn", t.ID),
		zap.String("from", a.key.String()+":"+a.entry.ID), zap.String("to", b.key.String()+":"+b.entry.ID))
	return t.ID, nil
}

// linkedTxn finds the GL transaction posting index (or the only linked
// posting) of an entry is reconciled to.
func linkedTxn(e *journal.Entry, index *int) (int, string, error) {
	if index == nil {
		links := e.Links()
		switch len(links) {
		case 0:
			return 0, "", &journal.ConflictError{Resource: "entry " + e.ID, Reason: "is not reconciled"}
		case 1:
			for i, id := range links {
				return i, id, nil
			}
		default:
			return 0, "", &journal.ConflictError{Resource: "entry " + e.ID,
				Reason: fmt.Sprintf("has %d reconciled postings; a posting index is required", len(links))}
		}
	}
	i, err := e.ResolvePosting(index)
	if err != nil {
		return 0, "", err
	}
	id := e.Link(i)
	if id == "" {
		return 0, "", &journal.ConflictError{Resource: fmt.Sprintf("entry %s posting %d", e.ID, i), Reason: "is not reconciled"}
	}
	return i, id, nil
}

// peersOf returns a function listing the logins behind the GL transaction
// an entry posting is linked to, for acquireWithPeers.
func (s *Store) peersOf(key journal.AccountKey, entryID string, index *int) func() ([]string, error) {
	return func() ([]string, error) {
		j, err := journal.ReadJournal(s.WS.JournalPath(key))
		if err != nil {
			return nil, err
		}
		e, ok := j.Get(entryID)
		if !ok {
			return nil, nil
		}
		_, id, err := linkedTxn(e, index)
		if err != nil {
			return nil, nil
		}
		gl, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
		if err != nil {
			return nil, err
		}
		return loginsOf(gl, []string{id}), nil
	}
}

// Reconfirm accepts a stale GL transaction after its source changed: the
// postings are rebuilt from the current entries and the stale tag cleared.
func (s *Reconciler) Reconfirm(ctx context.Context, key journal.AccountKey, entryID string, postingIndex *int) (string, error) {
	g, err := s.acquireWithPeers(ctx, "reconfirm "+key.String()+":"+entryID, []string{key.Login}, s.peersOf(key, entryID, postingIndex))
	if err != nil {
		return "", err
	}
	defer s.release(g)

	c, err := s.begin(true)
	if err != nil {
		return "", err
	}
	a, err := c.account(key)
	if err != nil {
		return "", err
	}
	e, err := a.entry(entryID)
	if err != nil {
		return "", err
	}
	i, glID, err := linkedTxn(e, postingIndex)
	if err != nil {
		return "", err
	}
	t, ok := c.GL.Get(glID)
	if !ok {
		return "", fmt.Errorf("gl transaction %s: %w", glID, journal.ErrNotFound)
	}
	if !t.IsStale() {
		return "", &journal.ConflictError{Resource: "gl transaction " + glID, Reason: "is not stale"}
	}
	rebuilt, err := s.rebuild(c, t)
	if err != nil {
		return "", err
	}
	c.putGL(rebuilt)
	c.record(oplog.Reconfirm{Account: key.String(), EntryID: e.ID, PostingIndex: e.PostingRef(i), GLTxnID: glID})
	if err := c.commit(); err != nil {
		return "", err
	}
	s.resolveReview(ctx, repository.ReviewStale, glID)
	s.log().Info("gl transaction reconfirmed", zap.String("gl_txn", glID), zap.String("entry", e.ID))
	return glID, nil
}

// rebuild recomputes t from the entries it is sourced from, keeping its id
// and posting accounts. The result is not stale.
func (s *Store) rebuild(c *changeSet, t *journal.GLTransaction) (*journal.GLTransaction, error) {
	srcs := t.Sources()
	sides := make([]transferSide, 0, len(srcs))
	for _, src := range srcs {
		a, err := c.account(src.Account)
		if err != nil {
			return nil, err
		}
		e, err := a.entry(src.EntryID)
		if err != nil {
			return nil, err
		}
		i, err := e.ResolvePosting(src.Posting)
		if err != nil {
			return nil, err
		}
		sides = append(sides, transferSide{key: src.Account, entry: e, index: i})
	}
	switch {
	case len(sides) == 1 && len(t.Postings) == 2:
		sd := sides[0]
		return reconcileTxn(t.ID, sd.key, sd.entry, sd.index, t.Postings[0].Account, t.Postings[1].Account), nil
	case len(sides) == 2 && len(t.Postings) == 2:
		sides[0].gl, sides[1].gl = t.Postings[0].Account, t.Postings[1].Account
		ua := sides[0].entry.Postings[sides[0].index].Amount
		ub := sides[1].entry.Postings[sides[1].index].Amount
		if !ua.Add(ub).IsZero() {
			return nil, &journal.ConflictError{Resource: "gl transaction " + t.ID,
				Reason: fmt.Sprintf("transfer sides no longer cancel out (%s vs %s); unreconcile it instead", ua, ub)}
		}
		return transferTxn(t.ID, sides[0], sides[1]), nil
	}
	return nil, &journal.ConflictError{Resource: "gl transaction " + t.ID, Reason: "has an unexpected shape"}
}

// Unreconcile deletes the GL transaction an entry posting is linked to and
// clears the forward links on every side of it.
func (s *Reconciler) Unreconcile(ctx context.Context, key journal.AccountKey, entryID string, postingIndex *int) (string, error) {
	g, err := s.acquireWithPeers(ctx, "unreconcile "+key.String()+":"+entryID, []string{key.Login}, s.peersOf(key, entryID, postingIndex))
	if err != nil {
		return "", err
	}
	defer s.release(g)

	c, err := s.begin(true)
	if err != nil {
		return "", err
	}
	a, err := c.account(key)
	if err != nil {
		return "", err
	}
	e, err := a.entry(entryID)
	if err != nil {
		return "", err
	}
	i, glID, err := linkedTxn(e, postingIndex)
	if err != nil {
		return "", err
	}
	ref := e.PostingRef(i)
	if t, ok := c.GL.Get(glID); ok {
		if err := c.unlink(t); err != nil {
			return "", err
		}
	} else {
		s.log().Warn("forward link to missing GL transaction", zap.String("entry", e.ID), zap.String("gl_txn", glID))
	}
	if e.Link(i) != "" {
		e.ClearLink(i)
		a.dirty = true
	}
	c.record(oplog.UndoReconcile{Account: key.String(), EntryID: e.ID, PostingIndex: ref, GLTxnID: glID})
	if err := c.commit(); err != nil {
		return "", err
	}
	s.resolveReview(ctx, repository.ReviewStale, glID)
	s.log().Info("entry unreconciled", zap.String("account", key.String()), zap.String("entry", e.ID), zap.String("gl_txn", glID))
	return glID, nil
}

// SuggestTransfers pairs unreconciled transfer-flagged postings across
// accounts. It only reads.
func (s *Reconciler) SuggestTransfers(ctx context.Context) ([]TransferSuggestion, error) {
	keys, err := s.WS.Accounts()
	if err != nil {
		return nil, err
	}
	var cands []transferCandidate
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j, err := journal.ReadJournal(s.WS.JournalPath(k))
		if err != nil {
			return nil, err
		}
		for _, e := range j.Entries() {
			if !s.Transfers.IsTransfer(e) {
				continue
			}
			for _, i := range e.UnreconciledPostings() {
				if e.Link(i) != "" {
					continue
				}
				cands = append(cands, transferCandidate{
					side:   TransferSide{Account: k, EntryID: e.ID, PostingIndex: e.PostingRef(i)},
					date:   e.Date,
					amount: e.Postings[i].Amount,
				})
			}
		}
	}
	return pairTransfers(cands, s.Transfers.WindowDays), nil
}
