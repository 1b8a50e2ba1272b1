package dedup

import (
	"fmt"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// Kind is the outcome for one proposed transaction.
type Kind int

const (
	Noop Kind = iota
	Update
	Create
	Ambiguous
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Update:
		return "update"
	case Create:
		return "create"
	case Ambiguous:
		return "ambiguous"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Step names the rule that produced a match.
type Step string

const (
	StepForceMatch     Step = "force-match"
	StepSameEvidence   Step = "same-evidence"
	StepBankID         Step = "bank-id"
	StepFuzzy          Step = "fuzzy"
	StepPendingUpgrade Step = "pending-upgrade"
)

// Decision is the engine's verdict for one proposed transaction.
type Decision struct {
	Index       int
	Kind        Kind
	Step        Step
	EntryID     string
	Candidates  []string
	Proposed    journal.ProposedTransaction // normalized
	Fingerprint string
	Err         error
}

// Input is everything Decide looks at. Overrides are keyed by proposed
// transaction fingerprint. Touched holds entries already created or matched
// by earlier rows of the same batch.
type Input struct {
	Journal   *journal.Journal
	Document  string
	Account   string
	Index     int
	Proposed  journal.ProposedTransaction
	Overrides map[string][]oplog.DedupOverride
	Touched   map[string]bool
}

type Engine struct {
	Policy Policy
}

func New(p Policy) *Engine { return &Engine{Policy: p} }

// Decide classifies one proposed transaction. It does not modify the journal;
// the caller applies the decision before deciding the next row so that rows
// of the same document see each other's evidence.
func (e *Engine) Decide(in Input) Decision {
	d := Decision{Index: in.Index}
	if err := in.Proposed.Validate(in.Index, in.Document); err != nil {
		d.Kind, d.Err = Invalid, err
		return d
	}
	p := in.Proposed.Normalize(in.Account)
	d.Proposed = p
	d.Fingerprint = p.Fingerprint()

	prevented := map[string]bool{}
	forced := ""
	for _, o := range in.Overrides[d.Fingerprint] {
		switch o.Action {
		case oplog.PreventMatch:
			prevented[o.EntryID] = true
			if forced == o.EntryID {
				forced = ""
			}
		case oplog.ForceMatch:
			if _, ok := in.Journal.Get(o.EntryID); ok {
				forced = o.EntryID
				delete(prevented, o.EntryID)
			}
		}
	}
	if forced != "" {
		return e.matched(d, in, forced, StepForceMatch)
	}

	if id, ok := sameEvidence(in.Journal, p, prevented); ok {
		if in.Touched[id] {
			d.Kind = Invalid
			d.Err = &journal.ValidationError{Index: in.Index, Evidence: p.Evidence()[0],
				Reason: "evidence already used by another row of this document"}
			return d
		}
		return e.matched(d, in, id, StepSameEvidence)
	}

	var pool []*journal.Entry
	for _, ent := range in.Journal.Entries() {
		if prevented[ent.ID] || in.Touched[ent.ID] || ent.HasEvidenceFrom(in.Document) {
			continue
		}
		pool = append(pool, ent)
	}

	amount := p.TotalAmount()
	if bank := p.BankID(); bank != "" {
		ids := filter(pool, func(ent *journal.Entry) bool { return ent.BankID == bank })
		switch len(ids) {
		case 0:
		case 1:
			return e.matched(d, in, ids[0], StepBankID)
		default:
			return ambiguous(d, ids)
		}
	}

	compatible := func(ent *journal.Entry) bool {
		return ent.BankID == "" || p.BankID() == "" || ent.BankID == p.BankID()
	}

	fuzzy := filter(pool, func(ent *journal.Entry) bool {
		return compatible(ent) &&
			e.Policy.withinDays(ent.Date, p.Date, e.Policy.DateWindowDays) &&
			ent.Amount().Equal(amount) &&
			Similarity(ent.Description, p.Description, e.Policy.BoilerplateSuffixes) >= e.Policy.SimilarityThreshold
	})
	switch len(fuzzy) {
	case 0:
	case 1:
		return e.matched(d, in, fuzzy[0], StepFuzzy)
	default:
		return ambiguous(d, fuzzy)
	}

	if p.Status == journal.Cleared {
		upgrades := filter(pool, func(ent *journal.Entry) bool {
			return compatible(ent) && ent.Status == journal.Pending &&
				e.Policy.withinDays(ent.Date, p.Date, e.Policy.PendingWindowDays) &&
				e.Policy.WithinTolerance(ent.Amount(), amount)
		})
		switch len(upgrades) {
		case 0:
		case 1:
			return e.matched(d, in, upgrades[0], StepPendingUpgrade)
		default:
			return ambiguous(d, upgrades)
		}
	}

	d.Kind = Create
	return d
}

func (e *Engine) matched(d Decision, in Input, id string, step Step) Decision {
	d.EntryID, d.Step = id, step
	ent, _ := in.Journal.Get(id)
	trial := ent.Clone()
	if Merge(trial, d.Proposed, step) {
		d.Kind = Update
	} else {
		d.Kind = Noop
	}
	return d
}

func ambiguous(d Decision, ids []string) Decision {
	d.Kind = Ambiguous
	d.Candidates = ids
	d.Err = &journal.AmbiguousMatchError{Fingerprint: d.Fingerprint, Evidence: d.Proposed.Evidence(), Candidates: ids}
	return d
}

func sameEvidence(j *journal.Journal, p journal.ProposedTransaction, prevented map[string]bool) (string, bool) {
	for _, ref := range p.Evidence() {
		for _, ent := range j.Entries() {
			if !prevented[ent.ID] && ent.HasEvidence(ref) {
				return ent.ID, true
			}
		}
	}
	return "", false
}

func filter(pool []*journal.Entry, keep func(*journal.Entry) bool) []string {
	var out []string
	for _, ent := range pool {
		if keep(ent) {
			out = append(out, ent.ID)
		}
	}
	return out
}

// ClosePending flags pending entries whose pending window ends inside a
// document's coverage without a finalized match. Entries touched by the
// batch that carried the coverage are left alone. It returns the flagged ids.
func (e *Engine) ClosePending(j *journal.Journal, start, end journal.Date, touched map[string]bool) []string {
	if end.IsZero() {
		return nil
	}
	var out []string
	for _, ent := range j.Entries() {
		if ent.Status != journal.Pending || ent.NoFinalTransaction || touched[ent.ID] {
			continue
		}
		if !start.IsZero() && ent.Date.Before(start) {
			continue
		}
		if ent.Date.AddDays(e.Policy.PendingWindowDays).After(end) {
			continue
		}
		ent.NoFinalTransaction = true
		out = append(out, ent.ID)
	}
	return out
}
