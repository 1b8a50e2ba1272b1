package service

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// history builds an account journal through every kind of change: merges,
// a pending upgrade, a forced match and a manual entry.
func history(t *testing.T, f *fixture) {
	t.Helper()
	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-15", amount: "-21.32", status: journal.Pending, desc: "SQ *BLUE BOTTLE"},
		row{date: "2024-02-03", amount: "-18.40", status: journal.Cleared, desc: "UBER TRIP"},
		row{date: "2024-02-03", amount: "-18.40", status: journal.Cleared, desc: "UBER TRIP"},
		row{date: "2024-02-10", amount: "-50.00", status: journal.Pending, desc: "PENDING AUTHORIZATION"},
	))
	res := f.mustIngest(checking, f.document(checking, "b.csv", "s2",
		row{date: "2024-02-15", amount: "-21.32", status: journal.Cleared, desc: "SQ *BLUE BOTTLE", bankID: "FIT123"},
		row{date: "2024-02-03", amount: "-18.40", status: journal.Cleared, desc: "UBER TRIP"},
		row{date: "2024-02-11", amount: "-50.00", status: journal.Cleared, desc: "HARDWARE STORE 0042"},
	))
	require.Len(t, res.Ambiguous, 1)
	_, err := f.ingest.Override(f.ctx, checking, oplog.ForceMatch, res.Ambiguous[0].Candidates[1], res.Ambiguous[0].Fingerprint)
	require.NoError(t, err)
	_, err = f.ingest.ManualAdd(f.ctx, checking, journal.ProposedTransaction{
		Date: journal.MustDate("2024-02-20"), Status: journal.Cleared, Description: "CASH", Amount: amount("-40.00"),
	})
	require.NoError(t, err)
}

func entryIDs(j *journal.Journal) []string {
	var out []string
	for _, e := range j.Entries() {
		out = append(out, e.ID)
	}
	return out
}

func TestRederiveReproducesJournal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	history(t, f)
	before := f.journal(checking)
	require.Equal(t, 5, before.Len())

	rep, err := f.rederive.Account(f.ctx, checking)
	require.NoError(t, err)
	require.True(t, rep.Clean(), "%v", rep.Discrepancies)
	require.Empty(t, rep.Unconsumed)
	require.Equal(t, 5, rep.Entries)

	// Re-derivation never writes.
	after := f.journal(checking)
	if diff := cmp.Diff(entryIDs(before), entryIDs(after)); diff != "" {
		t.Fatalf("entry ids changed (-before +after):\n%s", diff)
	}
	require.Empty(t, f.pendingReviews(repository.ReviewDiscrepancy))
}

func TestRederiveStableAfterRemoveScrape(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	history(t, f)

	_, err := f.undo.RemoveScrape(f.ctx, checking.Login, "s2")
	require.NoError(t, err)

	rep, err := f.rederive.Account(f.ctx, checking)
	require.NoError(t, err)
	require.True(t, rep.Clean(), "%v", rep.Discrepancies)
}

func TestRederiveReportsHandEdits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	history(t, f)

	j := f.journal(checking)
	es := j.Entries()
	edited, dropped := es[0], es[1]
	edited.Description = "EDITED BY HAND"
	j.Delete(dropped.ID)
	require.NoError(t, journal.WriteJournal(f.ws.JournalPath(checking), j))

	rep, err := f.rederive.Account(f.ctx, checking)
	require.NoError(t, err)
	want := []DiscrepancyWarning{
		{Account: "alice/checking", EntryID: edited.ID, Kind: DiscrepancyChanged, Fields: []string{"description"}},
		{Account: "alice/checking", EntryID: dropped.ID, Kind: DiscrepancyExtra},
	}
	if diff := cmp.Diff(want, rep.Discrepancies, cmpopts.IgnoreFields(DiscrepancyWarning{}, "Detail")); diff != "" {
		t.Fatalf("discrepancies (-want +got):\n%s", diff)
	}
	require.Len(t, f.pendingReviews(repository.ReviewDiscrepancy), 2)

	// The journal on disk is left as it was.
	require.Equal(t, "EDITED BY HAND", f.entry(checking, edited.ID).Description)
}

func TestRederiveLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	history(t, f)
	out, in := transferPair(f, "2024-02-05", "2024-02-06")

	es := f.journal(checking).Entries()
	var target *journal.Entry
	for _, e := range es {
		if e.Description == "SQ *BLUE BOTTLE" {
			target = e
		}
	}
	require.NotNil(t, target)
	_, err := f.recon.Reconcile(f.ctx, checking, target.ID, "Expenses:Coffee", nil)
	require.NoError(t, err)
	_, err = f.recon.ReconcileTransfer(f.ctx,
		TransferSide{Account: checking, EntryID: out.ID}, TransferSide{Account: savings, EntryID: in.ID})
	require.NoError(t, err)
	cash := es[len(es)-1]
	_, err = f.recon.Reconcile(f.ctx, checking, cash.ID, "Expenses:Misc", nil)
	require.NoError(t, err)
	_, err = f.recon.Unreconcile(f.ctx, checking, cash.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.mapping.SetGLMapping(f.ctx, savings, strPtr("Assets:Bank:Savings")))

	rep, err := f.rederive.Ledger(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Transactions)
	for _, a := range rep.Accounts {
		require.True(t, a.Clean(), "%s: %v", a.Account, a.Discrepancies)
	}
	// Replay books the transfer under the mapping in force when it was made.
	require.Empty(t, rep.Discrepancies)
	require.True(t, rep.Clean())
}

func TestRederiveLedgerStaleTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mustIngest(checking, f.document(checking, "a.csv", "s1",
		row{date: "2024-02-15", amount: "-42.00", status: journal.Pending, desc: "GREEN GROCER"}))
	e := f.only(checking)
	glID, err := f.recon.Reconcile(f.ctx, checking, e.ID, "Expenses:Food", nil)
	require.NoError(t, err)

	rep, err := f.rederive.Ledger(f.ctx)
	require.NoError(t, err)
	require.True(t, rep.Clean(), "%v", rep.Discrepancies)

	f.mustIngest(checking, f.document(checking, "b.csv", "s2",
		row{date: "2024-02-15", amount: "-42.00", status: journal.Cleared, desc: "GREEN GROCER"}))
	rep, err = f.rederive.Ledger(f.ctx)
	require.NoError(t, err)
	want := []DiscrepancyWarning{{GLTxnID: glID, Kind: DiscrepancyStale, Fields: []string{"status"}}}
	if diff := cmp.Diff(want, rep.Discrepancies); diff != "" {
		t.Fatalf("discrepancies (-want +got):\n%s", diff)
	}

	_, err = f.recon.Reconfirm(f.ctx, checking, e.ID, nil)
	require.NoError(t, err)
	rep, err = f.rederive.Ledger(f.ctx)
	require.NoError(t, err)
	require.True(t, rep.Clean(), "%v", rep.Discrepancies)
}

func TestIDRecoveryPrefersEvidenceThenBankIDThenDateAmount(t *testing.T) {
	t.Parallel()
	rec := func(seq int, op oplog.EntryCreated) oplog.Record { return oplog.Record{Seq: seq, Op: op} }
	date := journal.MustDate("2024-02-01")
	r := newIDRecovery([]oplog.Record{
		rec(1, oplog.EntryCreated{EntryID: "by-date", Date: date, Amount: decimal.NewFromInt(-5)}),
		rec(2, oplog.EntryCreated{EntryID: "by-bank", Date: date, Amount: decimal.NewFromInt(-5), BankID: "B1"}),
		rec(3, oplog.EntryCreated{EntryID: "by-evidence", Evidence: []string{"a.csv:2:3", "b.csv:2:3"}, Date: date, Amount: decimal.NewFromInt(-5)}),
	})
	p := func(bank string, refs ...string) journal.ProposedTransaction {
		pt := journal.ProposedTransaction{Date: date, Amount: decimal.NewFromInt(-5)}
		for _, ref := range refs {
			pt.Tags.Add(journal.TagEvidence, ref)
		}
		if bank != "" {
			pt.Tags.Add(journal.TagBankID, bank)
		}
		return pt
	}

	id, ok := r.claim(p("B1", "b.csv:2:3"))
	require.True(t, ok)
	require.Equal(t, "by-evidence", id)
	id, ok = r.claim(p("B1", "c.csv:2:3"))
	require.True(t, ok)
	require.Equal(t, "by-bank", id)
	id, ok = r.claim(p("", "d.csv:2:3"))
	require.True(t, ok)
	require.Equal(t, "by-date", id)
	_, ok = r.claim(p("", "e.csv:2:3"))
	require.False(t, ok)
	require.Empty(t, r.unconsumed())
}
