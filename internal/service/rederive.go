package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// Rederiver rebuilds journals from evidence and the operations logs under
// the current algorithm and reports where they drift. It never overwrites.
type Rederiver struct {
	*Store
	Engine *dedup.Engine
}

type DiscrepancyKind string

const (
	// DiscrepancyMissing: in the current state, not reproduced.
	DiscrepancyMissing DiscrepancyKind = "missing"
	// DiscrepancyExtra: reproduced, not in the current state.
	DiscrepancyExtra DiscrepancyKind = "extra"
	DiscrepancyChanged    DiscrepancyKind = "changed"
	DiscrepancyUnconsumed DiscrepancyKind = "unconsumed"
	// DiscrepancyStale: a stale GL transaction that differs from its
	// sources, awaiting reconfirmation.
	DiscrepancyStale        DiscrepancyKind = "stale"
	DiscrepancyUnreplayable DiscrepancyKind = "unreplayable"
	DiscrepancyUnreadable   DiscrepancyKind = "unreadable"
)

// DiscrepancyWarning is one difference found by re-derivation. It is a
// report for review, never an error.
type DiscrepancyWarning struct {
	Account string
	EntryID string
	GLTxnID string
	Kind    DiscrepancyKind
	Fields  []string
	Detail  string
}

func (w DiscrepancyWarning) String() string {
	subject := w.Account + ":" + w.EntryID
	if w.GLTxnID != "" {
		subject = "gl:" + w.GLTxnID
	}
	s := fmt.Sprintf("%s %s", w.Kind, subject)
	if len(w.Fields) > 0 {
		s += " [" + strings.Join(w.Fields, ",") + "]"
	}
	if w.Detail != "" {
		s += ": " + w.Detail
	}
	return s
}

// Report is the result of re-deriving one account.
type Report struct {
	Account       journal.AccountKey
	Entries       int
	Discrepancies []DiscrepancyWarning
	Unconsumed    []oplog.EntryCreated
}

func (r Report) Clean() bool { return len(r.Discrepancies) == 0 }

// LedgerReport is the result of a ledger-wide re-derivation.
type LedgerReport struct {
	Accounts      []Report
	Transactions  int
	Discrepancies []DiscrepancyWarning
}

func (r LedgerReport) Clean() bool {
	for _, a := range r.Accounts {
		if !a.Clean() {
			return false
		}
	}
	return len(r.Discrepancies) == 0
}

// idRecovery hands historical entry ids back to re-derived creations.
// Each entry-created op is consumed at most once.
type idRecovery struct {
	ops  []oplog.EntryCreated
	used []bool
}

func newIDRecovery(recs []oplog.Record) *idRecovery {
	created := oplog.RecordsOf(recs, oplog.KindEntryCreated)
	sort.SliceStable(created, func(i, j int) bool {
		if !created[i].At.Equal(created[j].At) {
			return created[i].At.Before(created[j].At)
		}
		return created[i].Seq < created[j].Seq
	})
	r := &idRecovery{}
	for _, rec := range created {
		r.ops = append(r.ops, rec.Op.(oplog.EntryCreated))
	}
	r.used = make([]bool, len(r.ops))
	return r
}

// claim finds the op for a creation: largest evidence overlap, then bankId,
// then (date, amount). Remaining ties go to the earliest op.
func (r *idRecovery) claim(p journal.ProposedTransaction) (string, bool) {
	refs := map[string]bool{}
	for _, ref := range p.Evidence() {
		refs[ref] = true
	}
	best, overlap := -1, 0
	for i, op := range r.ops {
		if r.used[i] {
			continue
		}
		n := 0
		for _, ref := range op.Evidence {
			if refs[ref] {
				n++
			}
		}
		if n > overlap {
			best, overlap = i, n
		}
	}
	if best < 0 {
		if bank := p.BankID(); bank != "" {
			best = r.first(func(op oplog.EntryCreated) bool { return op.BankID == bank })
		}
	}
	if best < 0 {
		amount := p.TotalAmount()
		best = r.first(func(op oplog.EntryCreated) bool { return op.Date == p.Date && op.Amount.Equal(amount) })
	}
	if best < 0 {
		return "", false
	}
	r.used[best] = true
	return r.ops[best].EntryID, true
}

func (r *idRecovery) first(match func(oplog.EntryCreated) bool) int {
	for i, op := range r.ops {
		if !r.used[i] && match(op) {
			return i
		}
	}
	return -1
}

func (r *idRecovery) unconsumed() []oplog.EntryCreated {
	var out []oplog.EntryCreated
	for i, op := range r.ops {
		if !r.used[i] {
			out = append(out, op)
		}
	}
	return out
}

// replayEvent is a document run or a manual add, ordered by time.
type replayEvent struct {
	at     time.Time
	doc    int
	manual *oplog.ManualAdd
}

// replay re-runs every live document and manual add of a into a fresh
// journal.
func (s *Rederiver) replay(a *account) (*journal.Journal, *idRecovery, []DiscrepancyWarning, error) {
	docs, err := s.liveDocuments(a)
	if err != nil {
		return nil, nil, nil, err
	}
	var events []replayEvent
	for i, d := range docs {
		events = append(events, replayEvent{at: d.Sidecar.ScrapedAt, doc: i})
	}
	for _, rec := range oplog.RecordsOf(a.Ops, oplog.KindManualAdd) {
		op := rec.Op.(oplog.ManualAdd)
		events = append(events, replayEvent{at: rec.At, doc: -1, manual: &op})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	var warnings []DiscrepancyWarning
	overrides := oplog.Overrides(a.Ops)
	recovery := newIDRecovery(a.Ops)
	j := journal.NewJournal()
	placeholder := 0
	newID := func(d dedup.Decision) string {
		if id, ok := recovery.claim(d.Proposed); ok {
			return id
		}
		placeholder++
		return fmt.Sprintf("unrecovered-%d", placeholder)
	}
	for _, ev := range events {
		if ev.manual != nil {
			j.Put(journal.NewEntry(ev.manual.EntryID, ev.manual.Transaction.Normalize(a.Config.Account), manualSource))
			continue
		}
		doc := docs[ev.doc]
		txns, by, err := s.proposals(a, doc)
		if err != nil && len(txns) == 0 {
			warnings = append(warnings, DiscrepancyWarning{Account: a.Key.String(), Kind: DiscrepancyUnreadable,
				Detail: fmt.Sprintf("document %s: %v", doc.Name, err)})
			continue
		}
		applyBatch(s.Engine, j, batch{
			Doc: doc, Account: a.Config.Account, ExtractedBy: by, Txns: txns, Overrides: overrides,
		}, newID)
	}
	return j, recovery, warnings, nil
}

// deriveAccount re-derives a and diffs it against the current journal.
func (s *Rederiver) deriveAccount(a *account) (Report, error) {
	rep := Report{Account: a.Key, Entries: a.Journal.Len()}
	fresh, recovery, warnings, err := s.replay(a)
	if err != nil {
		return rep, err
	}
	rep.Discrepancies = append(rep.Discrepancies, warnings...)
	rep.Discrepancies = append(rep.Discrepancies, diffJournals(a.Key, a.Journal, fresh)...)

	missing := map[string]bool{}
	for _, w := range rep.Discrepancies {
		if w.Kind == DiscrepancyMissing {
			missing[w.EntryID] = true
		}
	}
	removed := a.removedDocuments()
	held := map[string]bool{}
	for _, e := range fresh.Entries() {
		for _, r := range e.Evidence {
			held[r] = true
		}
	}
	for _, op := range recovery.unconsumed() {
		if settled(op, a.Journal, removed, held) {
			continue
		}
		rep.Unconsumed = append(rep.Unconsumed, op)
		if missing[op.EntryID] {
			continue
		}
		rep.Discrepancies = append(rep.Discrepancies, DiscrepancyWarning{
			Account: a.Key.String(), EntryID: op.EntryID, Kind: DiscrepancyUnconsumed,
			Detail: fmt.Sprintf("created %s %s from %s, not reproduced", op.Date, op.Amount, strings.Join(op.Evidence, " ")),
		})
	}
	return rep, nil
}

// settled reports whether an unconsumed creation is explained: the entry is
// gone from the current journal and each of its evidence refs was either
// withdrawn or now backs another reproduced entry.
func settled(op oplog.EntryCreated, current *journal.Journal, removed, held map[string]bool) bool {
	if _, ok := current.Get(op.EntryID); ok {
		return false
	}
	for _, ref := range op.Evidence {
		if !removed[journal.EvidenceDocument(ref)] && !held[ref] {
			return false
		}
	}
	return true
}

// diffJournals compares entries by id, ignoring forward links and the
// extractor name.
func diffJournals(key journal.AccountKey, current, fresh *journal.Journal) []DiscrepancyWarning {
	var out []DiscrepancyWarning
	for _, e := range current.Entries() {
		r, ok := fresh.Get(e.ID)
		if !ok {
			out = append(out, DiscrepancyWarning{Account: key.String(), EntryID: e.ID, Kind: DiscrepancyMissing,
				Detail: fmt.Sprintf("%s %s %q", e.Date, e.Amount(), e.Description)})
			continue
		}
		fields := e.ContentDiff(r)
		if !sameSet(e.Evidence, r.Evidence) {
			fields = append(fields, "evidence")
		}
		if len(fields) > 0 {
			out = append(out, DiscrepancyWarning{Account: key.String(), EntryID: e.ID, Kind: DiscrepancyChanged, Fields: fields})
		}
	}
	for _, r := range fresh.Entries() {
		if _, ok := current.Get(r.ID); !ok {
			out = append(out, DiscrepancyWarning{Account: key.String(), EntryID: r.ID, Kind: DiscrepancyExtra,
				Detail: fmt.Sprintf("%s %s %q", r.Date, r.Amount(), r.Description)})
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func (s *Rederiver) queue(ctx context.Context, ws []DiscrepancyWarning) {
	for _, w := range ws {
		it := repository.ReviewItem{
			Kind: repository.ReviewDiscrepancy, EntryID: w.EntryID, GLTxnID: w.GLTxnID,
			Ref: string(w.Kind) + ":" + w.Account + ":" + w.EntryID + ":" + w.GLTxnID, Detail: w.String(),
		}
		if key, err := journal.ParseAccountKey(w.Account); err == nil {
			it.Login, it.Label = key.Login, key.Label
		}
		s.review(ctx, it)
	}
}

// Account re-derives one login account under its login lock.
func (s *Rederiver) Account(ctx context.Context, key journal.AccountKey) (Report, error) {
	g, err := s.acquire(ctx, "rederive "+key.String(), false, key.Login)
	if err != nil {
		return Report{}, err
	}
	defer s.release(g)

	a, err := s.loadAccount(key)
	if err != nil {
		return Report{}, err
	}
	rep, err := s.deriveAccount(a)
	if err != nil {
		return rep, err
	}
	s.queue(ctx, rep.Discrepancies)
	s.logReport(rep)
	return rep, nil
}

func (s *Rederiver) logReport(rep Report) {
	if rep.Clean() {
		s.log().Info("rederive clean", zap.String("account", rep.Account.String()), zap.Int("entries", rep.Entries))
		return
	}
	s.log().Warn("rederive found discrepancies", zap.String("account", rep.Account.String()),
		zap.Int("discrepancies", len(rep.Discrepancies)), zap.Int("unconsumed", len(rep.Unconsumed)))
}

// Ledger re-derives every account, replays the root operations log into a
// fresh general ledger and diffs it against the current one.
func (s *Rederiver) Ledger(ctx context.Context) (LedgerReport, error) {
	var rep LedgerReport
	logins, err := s.WS.Logins()
	if err != nil {
		return rep, err
	}
	g, err := s.acquire(ctx, "rederive ledger", true, logins...)
	if err != nil {
		return rep, err
	}
	defer s.release(g)

	keys, err := s.WS.Accounts()
	if err != nil {
		return rep, err
	}
	accounts := map[journal.AccountKey]*account{}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		a, err := s.loadAccount(k)
		if err != nil {
			return rep, err
		}
		accounts[k] = a
		ar, err := s.deriveAccount(a)
		if err != nil {
			return rep, err
		}
		rep.Accounts = append(rep.Accounts, ar)
		s.queue(ctx, ar.Discrepancies)
		s.logReport(ar)
	}

	current, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
	if err != nil {
		return rep, err
	}
	recs, err := s.rootLog().Read()
	if err != nil {
		return rep, err
	}
	fresh, warnings := replayLedger(recs, accounts)
	rep.Transactions = current.Len()
	rep.Discrepancies = append(warnings, diffLedgers(current, fresh)...)
	s.queue(ctx, rep.Discrepancies)
	if len(rep.Discrepancies) > 0 {
		s.log().Warn("ledger rederive found discrepancies", zap.Int("discrepancies", len(rep.Discrepancies)))
	} else {
		s.log().Info("ledger rederive clean", zap.Int("transactions", rep.Transactions))
	}
	return rep, nil
}

// replayLedger rebuilds the general ledger from root operations against the
// current entries. Reconciliations that were later undone are skipped, and
// reconfirms need no work since every replayed transaction is built from
// current entry content.
func replayLedger(recs []oplog.Record, accounts map[journal.AccountKey]*account) (*journal.GeneralLedger, []DiscrepancyWarning) {
	undone := map[string]bool{}
	mapped := map[journal.AccountKey]bool{}
	for _, u := range oplog.Ops[oplog.UndoReconcile](recs) {
		undone[u.GLTxnID] = true
	}
	for _, m := range oplog.Ops[oplog.SetGLMapping](recs) {
		if k, err := journal.ParseAccountKey(m.Account); err == nil {
			mapped[k] = true
		}
	}
	mapping := map[journal.AccountKey]string{}
	glFor := func(k journal.AccountKey) string {
		if v, ok := mapping[k]; ok {
			return v
		}
		if mapped[k] {
			return accounts[k].Config.Account
		}
		return accounts[k].GLAccount()
	}

	fresh := journal.NewGeneralLedger()
	var warnings []DiscrepancyWarning
	unreplayable := func(glID, detail string) {
		warnings = append(warnings, DiscrepancyWarning{GLTxnID: glID, Kind: DiscrepancyUnreplayable, Detail: detail})
	}
	side := func(account, entryID string, posting *int) (transferSide, error) {
		k, err := journal.ParseAccountKey(account)
		if err != nil {
			return transferSide{}, err
		}
		a, ok := accounts[k]
		if !ok {
			return transferSide{}, fmt.Errorf("account %s: %w", account, journal.ErrNotFound)
		}
		e, err := a.entry(entryID)
		if err != nil {
			return transferSide{}, err
		}
		i, err := e.ResolvePosting(posting)
		if err != nil {
			return transferSide{}, err
		}
		return transferSide{key: k, gl: glFor(k), entry: e, index: i}, nil
	}

	for _, rec := range recs {
		switch op := rec.Op.(type) {
		case oplog.SetGLMapping:
			k, err := journal.ParseAccountKey(op.Account)
			if err != nil {
				continue
			}
			if a, ok := accounts[k]; ok && op.GLAccount == "" {
				mapping[k] = a.Config.Account
			} else {
				mapping[k] = op.GLAccount
			}
		case oplog.Reconcile:
			if undone[op.GLTxnID] {
				continue
			}
			sd, err := side(op.Account, op.EntryID, op.PostingIndex)
			if err != nil {
				unreplayable(op.GLTxnID, err.Error())
				continue
			}
			fresh.Put(reconcileTxn(op.GLTxnID, sd.key, sd.entry, sd.index, sd.gl, op.CounterpartAccount))
		case oplog.TransferMatch:
			if undone[op.GLTxnID] {
				continue
			}
			a, err := side(op.Entries[0].Account, op.Entries[0].EntryID, op.Entries[0].PostingIndex)
			if err != nil {
				unreplayable(op.GLTxnID, err.Error())
				continue
			}
			b, err := side(op.Entries[1].Account, op.Entries[1].EntryID, op.Entries[1].PostingIndex)
			if err != nil {
				unreplayable(op.GLTxnID, err.Error())
				continue
			}
			fresh.Put(transferTxn(op.GLTxnID, a, b))
		case oplog.UndoReconcile:
			fresh.Delete(op.GLTxnID)
		}
	}
	return fresh, warnings
}

// diffLedgers compares GL transactions by id. The stale tag is ignored; a
// stale transaction that differs is reported as stale rather than changed.
func diffLedgers(current, fresh *journal.GeneralLedger) []DiscrepancyWarning {
	var out []DiscrepancyWarning
	for _, t := range current.Transactions() {
		r, ok := fresh.Get(t.ID)
		if !ok {
			out = append(out, DiscrepancyWarning{GLTxnID: t.ID, Kind: DiscrepancyMissing, Detail: t.Description})
			continue
		}
		c := t.Clone()
		c.ClearStale()
		if c.Equal(r) {
			continue
		}
		kind := DiscrepancyChanged
		if t.IsStale() {
			kind = DiscrepancyStale
		}
		out = append(out, DiscrepancyWarning{GLTxnID: t.ID, Kind: kind, Fields: glDiff(c, r)})
	}
	for _, r := range fresh.Transactions() {
		if _, ok := current.Get(r.ID); !ok {
			out = append(out, DiscrepancyWarning{GLTxnID: r.ID, Kind: DiscrepancyExtra, Detail: r.Description})
		}
	}
	return out
}

func glDiff(a, b *journal.GLTransaction) []string {
	var out []string
	if a.Date != b.Date {
		out = append(out, "date")
	}
	if a.Status != b.Status {
		out = append(out, "status")
	}
	if a.Description != b.Description {
		out = append(out, "description")
	}
	if a.Comment != b.Comment {
		out = append(out, "comment")
	}
	pa := journal.GLTransaction{Postings: a.Postings}
	pb := journal.GLTransaction{Postings: b.Postings}
	if !pa.Equal(&pb) {
		out = append(out, "postings")
	}
	ta := journal.GLTransaction{Tags: a.Tags}
	tb := journal.GLTransaction{Tags: b.Tags}
	if !ta.Equal(&tb) {
		out = append(out, "tags")
	}
	return out
}
