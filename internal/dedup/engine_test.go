package dedup

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

const acct = "Assets:chase:checking"

func proposal(doc string, line int, date, amount string, status journal.Status, desc, bankID string) journal.ProposedTransaction {
	p := journal.ProposedTransaction{
		Date:        journal.MustDate(date),
		Status:      status,
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
	}
	p.Tags.Add(journal.TagEvidence, journal.CSVRef(doc, line, 1))
	if bankID != "" {
		p.Tags.Add(journal.TagBankID, bankID)
	}
	return p
}

// apply runs a batch through the engine the way the journal updater does.
func apply(t *testing.T, eng *Engine, j *journal.Journal, doc string, batch []journal.ProposedTransaction, overrides map[string][]oplog.DedupOverride) []Decision {
	t.Helper()
	touched := map[string]bool{}
	var out []Decision
	for i, p := range batch {
		d := eng.Decide(Input{Journal: j, Document: doc, Account: acct, Index: i, Proposed: p, Overrides: overrides, Touched: touched})
		switch d.Kind {
		case Create:
			id := fmt.Sprintf("e%d", j.Len()+1)
			j.Put(journal.NewEntry(id, d.Proposed, "test@1"))
			touched[id] = true
			d.EntryID = id
		case Update:
			ent, _ := j.Get(d.EntryID)
			Merge(ent, d.Proposed, d.Step)
			touched[d.EntryID] = true
		case Noop:
			touched[d.EntryID] = true
		}
		out = append(out, d)
	}
	return out
}

func kinds(ds []Decision) []Kind {
	out := make([]Kind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

func TestNoIntraDocumentMerge(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	batch := []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-15", "-4.50", journal.Cleared, "STARBUCKS", ""),
		proposal("a.csv", 2, "2024-02-15", "-4.50", journal.Cleared, "STARBUCKS", ""),
		proposal("a.csv", 3, "2024-02-15", "-4.50", journal.Pending, "STARBUCKS", "FIT1"),
	}
	ds := apply(t, eng, j, "a.csv", batch, nil)
	require.Equal(t, []Kind{Create, Create, Create}, kinds(ds))
	require.Equal(t, 3, j.Len())
	for _, e := range j.Entries() {
		require.Len(t, e.Evidence, 1)
	}
}

func TestIdempotentReExtraction(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	batch := []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-15", "-4.50", journal.Cleared, "STARBUCKS", ""),
		proposal("a.csv", 2, "2024-02-16", "-12.00", journal.Pending, "UBER TRIP", ""),
	}
	apply(t, eng, j, "a.csv", batch, nil)
	before := j.Clone()

	ds := apply(t, eng, j, "a.csv", batch, nil)
	require.Equal(t, []Kind{Noop, Noop}, kinds(ds))
	require.Equal(t, before.Len(), j.Len())
	for _, e := range j.Entries() {
		prev, ok := before.Get(e.ID)
		require.True(t, ok)
		require.Equal(t, prev.Evidence, e.Evidence)
	}
}

func TestCrossDocumentMerge(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-15", "-21.32", journal.Pending, "AMAZON MKTPLACE PENDING", ""),
	}, nil)
	ds := apply(t, eng, j, "b.csv", []journal.ProposedTransaction{
		proposal("b.csv", 4, "2024-02-15", "-21.32", journal.Cleared, "Amazon Mktplace", "FIT123"),
	}, nil)

	require.Equal(t, Update, ds[0].Kind)
	require.Equal(t, StepFuzzy, ds[0].Step)
	require.Equal(t, 1, j.Len())
	e := j.Entries()[0]
	require.Equal(t, journal.Cleared, e.Status)
	require.Len(t, e.Evidence, 2)
	require.Equal(t, "FIT123", e.BankID)

	// The bankId now matches directly.
	ds = apply(t, eng, j, "c.csv", []journal.ProposedTransaction{
		proposal("c.csv", 1, "2024-02-16", "-21.32", journal.Cleared, "AMZN", "FIT123"),
	}, nil)
	require.Equal(t, StepBankID, ds[0].Step)
	require.Equal(t, 1, j.Len())
}

func TestPendingUpgrade(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-10", "-50.00", journal.Pending, "SHELL OIL 5744", ""),
	}, nil)
	ds := apply(t, eng, j, "b.csv", []journal.ProposedTransaction{
		proposal("b.csv", 1, "2024-02-11", "-50.00", journal.Cleared, "SHELL SERVICE STATION", ""),
	}, nil)
	require.Equal(t, Update, ds[0].Kind)
	require.Equal(t, StepPendingUpgrade, ds[0].Step)
	require.Equal(t, 1, j.Len())
	e := j.Entries()[0]
	require.Equal(t, journal.Cleared, e.Status)
	require.Equal(t, "2024-02-10", e.Date.String())
}

func TestSameEvidenceRerun(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-10", "-50.00", journal.Pending, "SHELL OIL 5744", ""),
		proposal("a.csv", 2, "2024-02-12", "-9.00", journal.Cleared, "KIOSK", ""),
	}, nil)
	upgrade := []journal.ProposedTransaction{
		proposal("b.csv", 1, "2024-02-11", "-50.00", journal.Cleared, "SHELL SERVICE STATION", ""),
	}
	apply(t, eng, j, "b.csv", upgrade, nil)
	merged := j.Entries()[0].Clone()

	// A merged entry keeps its content when one of its documents runs again.
	ds := apply(t, eng, j, "b.csv", upgrade, nil)
	require.Equal(t, []Kind{Noop}, kinds(ds))
	require.Empty(t, merged.ContentDiff(j.Entries()[0]))

	// An entry backed by one document follows that document's re-extraction.
	ds = apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 2, "2024-02-12", "-9.00", journal.Cleared, "KIOSK 12 MAIN ST", ""),
	}, nil)
	require.Equal(t, []Kind{Update}, kinds(ds))
	require.Equal(t, StepSameEvidence, ds[0].Step)
	e, ok := j.Get(ds[0].EntryID)
	require.True(t, ok)
	require.Equal(t, "KIOSK 12 MAIN ST", e.Description)
}

func TestPendingUpgradeOverwritesAmountWithinTolerance(t *testing.T) {
	t.Parallel()

	pol := DefaultPolicy()
	pol.AmountTolerancePercent = 20
	eng := New(pol)
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-10", "-40.00", journal.Pending, "RESTAURANT", ""),
	}, nil)
	apply(t, eng, j, "b.csv", []journal.ProposedTransaction{
		proposal("b.csv", 1, "2024-02-12", "-46.00", journal.Cleared, "RESTAURANT TIP", ""),
	}, nil)
	require.Equal(t, 1, j.Len())
	require.Equal(t, "-46", j.Entries()[0].Amount().String())

	// Status never moves backwards.
	apply(t, eng, j, "c.csv", []journal.ProposedTransaction{
		proposal("c.csv", 1, "2024-02-10", "-46.00", journal.Pending, "RESTAURANT TIP", ""),
	}, nil)
	require.Equal(t, 1, j.Len())
	require.Equal(t, journal.Cleared, j.Entries()[0].Status)
}

func TestAmbiguityMutatesNothing(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-15", "-10.00", journal.Pending, "NETFLIX", ""),
		proposal("a.csv", 2, "2024-02-15", "-10.00", journal.Pending, "NETFLIX", ""),
	}, nil)
	before := j.Clone()

	p := proposal("b.csv", 1, "2024-02-15", "-10.00", journal.Cleared, "NETFLIX.COM", "")
	d := eng.Decide(Input{Journal: j, Document: "b.csv", Account: acct, Proposed: p})
	require.Equal(t, Ambiguous, d.Kind)
	require.ElementsMatch(t, []string{"e1", "e2"}, d.Candidates)
	var amb *journal.AmbiguousMatchError
	require.ErrorAs(t, d.Err, &amb)
	require.Equal(t, d.Fingerprint, amb.Fingerprint)
	for _, e := range j.Entries() {
		prev, _ := before.Get(e.ID)
		require.True(t, prev.SameContent(e))
		require.Equal(t, prev.Evidence, e.Evidence)
	}

	// A force-match resolves it and is honoured on every later run.
	overrides := map[string][]oplog.DedupOverride{
		d.Fingerprint: {{Action: oplog.ForceMatch, EntryID: "e2", Fingerprint: d.Fingerprint}},
	}
	ds := apply(t, eng, j, "b.csv", []journal.ProposedTransaction{p}, overrides)
	require.Equal(t, StepForceMatch, ds[0].Step)
	require.Equal(t, "e2", ds[0].EntryID)
	e2, _ := j.Get("e2")
	require.Equal(t, journal.Cleared, e2.Status)
}

func TestPreventMatchForcesCreate(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-03-01", "-3.00", journal.Cleared, "COFFEE", ""),
	}, nil)
	p := proposal("b.csv", 1, "2024-03-01", "-3.00", journal.Cleared, "COFFEE", "")
	fp := p.Normalize(acct).Fingerprint()
	ds := apply(t, eng, j, "b.csv", []journal.ProposedTransaction{p}, map[string][]oplog.DedupOverride{
		fp: {{Action: oplog.PreventMatch, EntryID: "e1", Fingerprint: fp}},
	})
	require.Equal(t, Create, ds[0].Kind)
	require.Equal(t, 2, j.Len())
}

func TestInvalidDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	noEvidence := journal.ProposedTransaction{Date: journal.MustDate("2024-01-01"), Amount: decimal.NewFromInt(-1)}
	wrongDoc := proposal("other.csv", 1, "2024-01-01", "-1", journal.Cleared, "X", "")
	ds := apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		noEvidence,
		wrongDoc,
		proposal("a.csv", 3, "2024-01-01", "-1", journal.Cleared, "X", ""),
	}, nil)
	require.Equal(t, []Kind{Invalid, Invalid, Create}, kinds(ds))
	var verr *journal.ValidationError
	require.ErrorAs(t, ds[1].Err, &verr)
	require.Equal(t, 1, verr.Index)
	require.Contains(t, verr.Reason, "other.csv")
}

func TestClosePending(t *testing.T) {
	t.Parallel()

	eng := New(DefaultPolicy())
	j := journal.NewJournal()
	apply(t, eng, j, "a.csv", []journal.ProposedTransaction{
		proposal("a.csv", 1, "2024-02-01", "-9.99", journal.Pending, "OLD HOLD", ""),
		proposal("a.csv", 2, "2024-02-25", "-5.00", journal.Pending, "RECENT HOLD", ""),
		proposal("a.csv", 3, "2024-01-05", "-1.00", journal.Pending, "BEFORE COVERAGE", ""),
	}, nil)

	closed := eng.ClosePending(j, journal.MustDate("2024-01-15"), journal.MustDate("2024-02-29"), map[string]bool{})
	require.Equal(t, []string{"e1"}, closed)
	e1, _ := j.Get("e1")
	require.True(t, e1.NoFinalTransaction)
	require.Equal(t, journal.Pending, e1.Status, "closed, not deleted or upgraded")
	require.Empty(t, eng.ClosePending(j, journal.MustDate("2024-01-15"), journal.MustDate("2024-02-29"), nil))
}

func TestNormalizeAndSimilarity(t *testing.T) {
	t.Parallel()

	sufs := DefaultPolicy().BoilerplateSuffixes
	cases := []struct {
		in, want string
	}{
		{"  Whole-Foods  #10234 ", "WHOLE FOODS"},
		{"STARBUCKS POS PURCHASE", "STARBUCKS"},
		{"uber *trip pending 889812", "UBER TRIP"},
		{"PENDING", "PENDING"},
		{"7-ELEVEN", "7 ELEVEN"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Normalize(tc.in, sufs), tc.in)
	}
	require.Equal(t, 1.0, Similarity("Amazon.com", "AMAZON COM", sufs))
	require.Less(t, Similarity("NETFLIX", "SPOTIFY", sufs), 0.6)
	require.Equal(t, 1.0, Similarity("", "", sufs))
}

func TestWithinTolerance(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	d := decimal.RequireFromString
	require.True(t, p.WithinTolerance(d("-50"), d("-50.00")))
	require.False(t, p.WithinTolerance(d("-50"), d("-50.01")))
	p.AmountTolerance = d("1")
	require.True(t, p.WithinTolerance(d("-50"), d("-50.99")))
	require.False(t, p.WithinTolerance(d("-50"), d("50")))
	p.AmountTolerancePercent = 10
	require.True(t, p.WithinTolerance(d("-50"), d("-54")))
}
