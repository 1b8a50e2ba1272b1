package dedup

import (
	"github.com/jask/jaskledger/internal/journal"
)

// Merge folds a normalized proposed transaction into a matched entry and
// reports whether anything changed.
//
//   - evidence is unioned
//   - status only moves toward Cleared
//   - postings (the amount) are overwritten when the new source is more
//     finalized, or always on a pending upgrade
//   - forced matches, and same-evidence matches on an entry backed by that
//     document alone, take the proposal's full content unless that would
//     move the status backwards
//   - a missing bankId is filled in
func Merge(e *journal.Entry, p journal.ProposedTransaction, step Step) bool {
	before := e.Clone()
	replace := step == StepForceMatch || (step == StepSameEvidence && soleSource(e, p))
	added := e.AddEvidence(p.Evidence()...)

	switch {
	case replace && p.Status >= e.Status:
		e.SetContent(p)
	case step == StepPendingUpgrade || p.Status > e.Status:
		e.Postings = clone(p.Postings)
		e.Status = journal.MoreFinal(e.Status, p.Status)
	}
	if e.BankID == "" {
		e.BankID = p.BankID()
	}
	if e.NoFinalTransaction && e.Status != journal.Pending {
		e.NoFinalTransaction = false
	}
	return added > 0 || !before.SameContent(e)
}

// soleSource reports whether every evidence ref of e comes from the
// document p was extracted from.
func soleSource(e *journal.Entry, p journal.ProposedTransaction) bool {
	refs := p.Evidence()
	if len(refs) == 0 {
		return false
	}
	docs := e.EvidenceDocuments()
	return len(docs) == 1 && docs[0] == journal.EvidenceDocument(refs[0])
}

func clone(ps []journal.Posting) []journal.Posting {
	return append([]journal.Posting(nil), ps...)
}
