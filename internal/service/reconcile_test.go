package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

func intPtr(i int) *int { return &i }

func TestReconcileBooksCounterpart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-01", amount: "-21.32", status: journal.Cleared, desc: "SQ *BLUE BOTTLE"}))
	e := f.only(checking)

	glID, err := f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Coffee", nil)
	require.NoError(t, err)

	txn, ok := f.ledger().Get(glID)
	require.True(t, ok)
	require.Equal(t, e.Date, txn.Date)
	require.Equal(t, "SQ *BLUE BOTTLE", txn.Description)
	require.Len(t, txn.Postings, 2)
	require.Equal(t, "Assets:alice:checking", txn.Postings[0].Account)
	require.True(t, txn.Postings[0].Amount.Equal(amount("-21.32")))
	require.Equal(t, "Expenses:Coffee", txn.Postings[1].Account)
	require.True(t, txn.Postings[1].Amount.Equal(amount("21.32")))
	gen, _ := txn.Tags.Get(journal.TagGeneratedBy)
	require.Equal(t, journal.GeneratedByReconciler, gen)
	require.Equal(t, []journal.SourceRef{{Account: checking, EntryID: e.ID}}, txn.Sources())

	// The entry only gains its forward link.
	linked := f.entry(checking, e.ID)
	require.Equal(t, glID, linked.Link(1))
	require.True(t, e.SameContent(linked))

	ops := oplog.Ops[oplog.Reconcile](f.rootOps())
	require.Equal(t, []oplog.Reconcile{{
		Account: "alice/checking", EntryID: e.ID, CounterpartAccount: "Expenses:Coffee", GLTxnID: glID,
	}}, ops)

	_, err = f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Other", nil)
	requireConflict(t, err)
	require.Equal(t, 1, f.ledger().Len())
}

func TestReconcileRefusesBadCounterparts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-01", amount: "-5.00", status: journal.Cleared, desc: "ATM"}))
	require.NoError(t, f.ws.EnsureAccount(savings))
	e := f.only(checking)

	_, err := f.recon.Reconcile(f.ctx, checking, e.ID, "", nil)
	require.Error(t, err)
	_, err = f.recon.Reconcile(f.ctx, checking, e.ID, "Assets:bob:savings", nil)
	requireConflict(t, err)
	_, err = f.recon.Reconcile(f.ctx, checking, e.ID, "Equity:Unreconciled:Assets:alice:checking", nil)
	requireConflict(t, err)
	_, err = f.recon.Reconcile(f.ctx, checking, "nope", "Expenses:Cash", nil)
	require.ErrorIs(t, err, journal.ErrNotFound)
	require.Zero(t, f.ledger().Len())
}

func TestReconcilePassThroughPostings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p := journal.ProposedTransaction{
		Date: journal.MustDate("2024-02-12"), Status: journal.Cleared, Description: "PAYPAL *MARKETPLACE",
		Postings: []journal.Posting{
			{Account: "Equity:Unreconciled:Assets:alice:card", Amount: amount("-60.00")},
			{Account: "Equity:Unreconciled:Assets:alice:card:split", Amount: amount("60.00")},
		},
	}
	id, err := f.ingest.ManualAdd(f.ctx, card, p)
	require.NoError(t, err)

	_, err = f.recon.Reconcile(f.ctx, card, id, "Expenses:Books", nil)
	requireConflict(t, err)

	gl0, err := f.recon.Reconcile(f.ctx, card, id, "Expenses:Books", intPtr(0))
	require.NoError(t, err)
	gl1, err := f.recon.Reconcile(f.ctx, card, id, "Income:Refunds", intPtr(1))
	require.NoError(t, err)
	require.NotEqual(t, gl0, gl1)

	e := f.entry(card, id)
	require.Equal(t, map[int]string{0: gl0, 1: gl1}, e.Links())
	v, _ := e.Tags.Get(journal.TagReconciledPosting + "1")
	require.Equal(t, gl1, v)

	txn, ok := f.ledger().Get(gl1)
	require.True(t, ok)
	require.Equal(t, []journal.SourceRef{{Account: card, EntryID: id, Posting: intPtr(1)}}, txn.Sources())

	_, err = f.recon.Unreconcile(f.ctx, card, id, nil)
	requireConflict(t, err)
	undone, err := f.recon.Unreconcile(f.ctx, card, id, intPtr(0))
	require.NoError(t, err)
	require.Equal(t, gl0, undone)
	require.Equal(t, map[int]string{1: gl1}, f.entry(card, id).Links())
}

// transferPair ingests the two halves of a checking to savings transfer.
func transferPair(f *fixture, outDate, inDate string) (out, in *journal.Entry) {
	f.mustIngest(checking, f.document(checking, "chk.csv", "t1",
		row{date: outDate, amount: "-100.00", status: journal.Cleared, desc: "ONLINE TRANSFER TO SAVINGS"}))
	f.mustIngest(savings, f.document(savings, "sav.csv", "t2",
		row{date: inDate, amount: "100.00", status: journal.Pending, desc: "TRANSFER FROM CHECKING"}))
	return f.from(checking, "chk.csv"), f.from(savings, "sav.csv")
}

func TestTransferReconcileAndUndo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, in := transferPair(f, "2024-02-05", "2024-02-06")

	sugg, err := f.recon.SuggestTransfers(f.ctx)
	require.NoError(t, err)
	require.Len(t, sugg, 1)
	require.Equal(t, TransferSide{Account: checking, EntryID: out.ID}, sugg[0].From)
	require.Equal(t, TransferSide{Account: savings, EntryID: in.ID}, sugg[0].To)
	require.True(t, sugg[0].Amount.Equal(amount("100")))
	require.Equal(t, 1, sugg[0].Days)

	glID, err := f.recon.ReconcileTransfer(f.ctx, sugg[0].From, sugg[0].To)
	require.NoError(t, err)

	txn, ok := f.ledger().Get(glID)
	require.True(t, ok)
	require.Equal(t, "2024-02-05", txn.Date.String())
	require.Equal(t, journal.Pending, txn.Status)
	require.Equal(t, "ONLINE TRANSFER TO SAVINGS", txn.Description)
	require.Equal(t, "Assets:alice:checking", txn.Postings[0].Account)
	require.True(t, txn.Postings[0].Amount.Equal(amount("-100")))
	require.Equal(t, "Assets:bob:savings", txn.Postings[1].Account)
	require.True(t, txn.Postings[1].Amount.Equal(amount("100")))
	require.Len(t, txn.Sources(), 2)

	require.Equal(t, []string{glID}, f.entry(checking, out.ID).LinkedGL())
	require.Equal(t, []string{glID}, f.entry(savings, in.ID).LinkedGL())
	require.Len(t, oplog.Ops[oplog.TransferMatch](f.rootOps()), 1)

	sugg, err = f.recon.SuggestTransfers(f.ctx)
	require.NoError(t, err)
	require.Empty(t, sugg)

	// Undoing from either side removes both links.
	undone, err := f.recon.Unreconcile(f.ctx, savings, in.ID, nil)
	require.NoError(t, err)
	require.Equal(t, glID, undone)
	require.Zero(t, f.ledger().Len())
	require.Empty(t, f.entry(checking, out.ID).LinkedGL())
	require.Empty(t, f.entry(savings, in.ID).LinkedGL())
	undos := oplog.Ops[oplog.UndoReconcile](f.rootOps())
	require.Equal(t, []oplog.UndoReconcile{{Account: "bob/savings", EntryID: in.ID, GLTxnID: glID}}, undos)
}

func TestTransferRefusals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, in := transferPair(f, "2024-02-01", "2024-02-09")
	from := TransferSide{Account: checking, EntryID: out.ID}
	to := TransferSide{Account: savings, EntryID: in.ID}

	_, err := f.recon.ReconcileTransfer(f.ctx, from, to)
	requireConflict(t, err)
	require.ErrorContains(t, err, "days apart")

	_, err = f.recon.ReconcileTransfer(f.ctx, from, from)
	requireConflict(t, err)

	f.mustIngest(card, f.document(card, "card.csv", "s3",
		row{date: "2024-02-01", amount: "100.00", status: journal.Cleared, desc: "REFUND"}))
	_, err = f.recon.ReconcileTransfer(f.ctx, from, TransferSide{Account: card, EntryID: f.only(card).ID})
	requireConflict(t, err)
	require.ErrorContains(t, err, "not flagged as a transfer")

	// An explicit tag overrides the description.
	j := f.journal(card)
	e := j.Entries()[0]
	e.Tags.Set(TagTransfer, "yes")
	require.NoError(t, journal.WriteJournal(f.ws.JournalPath(card), j))
	glID, err := f.recon.ReconcileTransfer(f.ctx, from, TransferSide{Account: card, EntryID: e.ID})
	require.NoError(t, err)
	require.NotEmpty(t, glID)
	require.Equal(t, 1, f.ledger().Len())
}

func TestStaleGLTransactionNeedsReconfirm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-15", amount: "-42.00", status: journal.Pending, desc: "GREEN GROCER"}))
	e := f.only(checking)
	glID, err := f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Food", nil)
	require.NoError(t, err)

	res := f.mustIngest(checking, f.document(checking, "b.csv", "s2",
		row{date: "2024-02-15", amount: "-42.00", status: journal.Cleared, desc: "GREEN GROCER"}))
	require.Equal(t, []string{glID}, res.Stale)

	txn, ok := f.ledger().Get(glID)
	require.True(t, ok)
	require.True(t, txn.IsStale())
	require.Equal(t, journal.Pending, txn.Status)
	views, err := f.ingest.Entries(checking)
	require.NoError(t, err)
	require.Equal(t, Stale, views[0].Postings[0].Status)
	require.Len(t, f.pendingReviews(repository.ReviewStale), 1)

	confirmed, err := f.recon.Reconfirm(f.ctx, checking, e.ID, nil)
	require.NoError(t, err)
	require.Equal(t, glID, confirmed)
	txn, _ = f.ledger().Get(glID)
	require.False(t, txn.IsStale())
	require.Equal(t, journal.Cleared, txn.Status)
	require.Equal(t, "Expenses:Food", txn.Postings[1].Account)
	require.Empty(t, f.pendingReviews(repository.ReviewStale))
	require.Len(t, oplog.Ops[oplog.Reconfirm](f.rootOps()), 1)

	_, err = f.recon.Reconfirm(f.ctx, checking, e.ID, nil)
	requireConflict(t, err)
}

func TestUnreconcileRequiresLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-01", amount: "-5.00", status: journal.Cleared, desc: "ATM"}))
	e := f.only(checking)
	_, err := f.recon.Unreconcile(f.ctx, checking, e.ID, nil)
	requireConflict(t, err)

	glID, err := f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Cash", nil)
	require.NoError(t, err)
	_, err = f.recon.Unreconcile(f.ctx, checking, e.ID, nil)
	require.NoError(t, err)
	require.Zero(t, f.ledger().Len())
	require.Empty(t, f.entry(checking, e.ID).Links())

	// The posting can be reconciled again under a new id.
	again, err := f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Cash", nil)
	require.NoError(t, err)
	require.NotEqual(t, glID, again)
}

func TestTransferPolicy(t *testing.T) {
	t.Parallel()
	p := TransferPolicy{Keywords: []string{"transfer", "xfer"}, WindowDays: 3}

	require.True(t, p.MatchesDescription("Online Transfer to SAV 1234"))
	require.True(t, p.MatchesDescription("XFER FROM CHK"))
	require.False(t, p.MatchesDescription("TRANSFERWISE FEE"))

	e := &journal.Entry{Description: "ONLINE TRANSFER"}
	require.True(t, p.IsTransfer(e))
	e.Tags.Set(TagTransfer, "no")
	require.False(t, p.IsTransfer(e))
	e = &journal.Entry{Description: "REFUND"}
	e.Tags.Set(TagTransfer, "true")
	require.True(t, p.IsTransfer(e))
}

func TestPairTransfersClosestFirst(t *testing.T) {
	t.Parallel()
	side := func(k journal.AccountKey, id string) TransferSide { return TransferSide{Account: k, EntryID: id} }
	cands := []transferCandidate{
		{side: side(checking, "c1"), date: journal.MustDate("2024-02-01"), amount: amount("50")},
		{side: side(savings, "s1"), date: journal.MustDate("2024-02-03"), amount: amount("-50")},
		{side: side(savings, "s2"), date: journal.MustDate("2024-02-01"), amount: amount("-50")},
		{side: side(card, "k1"), date: journal.MustDate("2024-02-02"), amount: amount("-70")},
		{side: side(checking, "c2"), date: journal.MustDate("2024-02-02"), amount: amount("-50")},
	}
	got := pairTransfers(cands, 3)
	require.Len(t, got, 1)
	require.Equal(t, side(checking, "c1"), got[0].From)
	require.Equal(t, side(savings, "s2"), got[0].To)
	require.Zero(t, got[0].Days)
}
