package service

import (
	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
	"github.com/jask/jaskledger/internal/workspace"
)

// batch is one document's proposals ready to be folded into a journal.
type batch struct {
	Doc         workspace.Document
	Account     string
	ExtractedBy string
	Txns        []journal.ProposedTransaction
	Overrides   map[string][]oplog.DedupOverride
}

// outcome is what applying a batch did to the journal.
type outcome struct {
	Decisions []dedup.Decision
	Created   []oplog.EntryCreated
	Updated   []string
	Unchanged int
	Changed   map[string][]string // entry id -> content fields that changed
	Closed    []string
	Errors    []error
}

// applyBatch runs the engine over b one row at a time, applying each
// decision before the next row is decided. newID names created entries.
func applyBatch(eng *dedup.Engine, j *journal.Journal, b batch, newID func(dedup.Decision) string) outcome {
	out := outcome{Changed: map[string][]string{}}
	touched := map[string]bool{}
	for i, p := range b.Txns {
		d := eng.Decide(dedup.Input{
			Journal: j, Document: b.Doc.Name, Account: b.Account, Index: i,
			Proposed: p, Overrides: b.Overrides, Touched: touched,
		})
		out.Decisions = append(out.Decisions, d)
		switch d.Kind {
		case dedup.Invalid:
			out.Errors = append(out.Errors, d.Err)
		case dedup.Ambiguous:
			// A finalized match may exist; closure waits for the override.
			for _, id := range d.Candidates {
				touched[id] = true
			}
		case dedup.Create:
			id := newID(d)
			j.Put(journal.NewEntry(id, d.Proposed, b.ExtractedBy))
			touched[id] = true
			out.Created = append(out.Created, created(id, d.Proposed))
		case dedup.Noop:
			touched[d.EntryID] = true
			out.Unchanged++
		case dedup.Update:
			e, _ := j.Get(d.EntryID)
			before := e.Clone()
			dedup.Merge(e, d.Proposed, d.Step)
			touched[e.ID] = true
			out.Updated = append(out.Updated, e.ID)
			if diff := before.ContentDiff(e); len(diff) > 0 {
				out.Changed[e.ID] = append(out.Changed[e.ID], diff...)
			}
		}
	}
	if start, end, ok := b.Doc.Sidecar.Coverage(); ok {
		out.Closed = eng.ClosePending(j, start, end, touched)
	}
	return out
}

func created(id string, p journal.ProposedTransaction) oplog.EntryCreated {
	return oplog.EntryCreated{
		EntryID:  id,
		Evidence: p.Evidence(),
		Date:     p.Date,
		Amount:   p.TotalAmount(),
		BankID:   p.BankID(),
	}
}

// Mutated reports whether the journal needs writing.
func (o outcome) Mutated() bool {
	return len(o.Created) > 0 || len(o.Updated) > 0 || len(o.Closed) > 0
}

// reevaluate rebuilds e's content from the best proposal still backing its
// evidence: the most finalized, then the most recently scraped. It reports
// the changed fields; ok is false when no live proposal carries its evidence.
func reevaluate(e *journal.Entry, index map[string]sourced) (fields []string, ok bool) {
	var best *sourced
	for _, ref := range e.Evidence {
		src, found := index[ref]
		if !found {
			continue
		}
		if best == nil || src.P.Status > best.P.Status ||
			(src.P.Status == best.P.Status && src.Doc.Sidecar.ScrapedAt.After(best.Doc.Sidecar.ScrapedAt)) {
			best = &src
		}
	}
	if best == nil {
		return nil, false
	}
	before := e.Clone()
	e.SetContent(best.P)
	e.BankID = ""
	for _, ref := range e.Evidence {
		if src, found := index[ref]; found && src.P.BankID() != "" {
			e.BankID = src.P.BankID()
			break
		}
	}
	if e.Status != journal.Pending {
		e.NoFinalTransaction = false
	}
	return before.ContentDiff(e), true
}

// stripEvidence drops the given refs from e and reports how many it held.
func stripEvidence(e *journal.Entry, refs []string) int {
	drop := map[string]bool{}
	for _, r := range refs {
		drop[r] = true
	}
	kept := e.Evidence[:0]
	n := 0
	for _, r := range e.Evidence {
		if drop[r] {
			n++
			continue
		}
		kept = append(kept, r)
	}
	e.Evidence = kept
	return n
}
