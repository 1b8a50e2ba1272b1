package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/extract"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/lock"
	"github.com/jask/jaskledger/internal/logging"
	"github.com/jask/jaskledger/internal/oplog"
	"github.com/jask/jaskledger/internal/workspace"
)

// manualSource is the extractedBy value of operator-entered entries.
const manualSource = "manual"

// Store is what every service works against: the workspace files, the lock
// manager and the derived catalog. Documents and Reviews may be nil.
type Store struct {
	WS         *workspace.Workspace
	Locks      *lock.Manager
	Extractors *extract.Registry
	Documents  *repository.DocumentRepo
	Reviews    *repository.ReviewRepo
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

func (s *Store) log() *zap.Logger { return logging.OrNop(s.Logger) }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Store) accountLog(key journal.AccountKey) *oplog.Log {
	return oplog.Open(s.WS.OpsPath(key), oplog.ScopeAccount).WithClock(s.now)
}

func (s *Store) rootLog() *oplog.Log {
	return oplog.Open(s.WS.RootOpsPath(), oplog.ScopeRoot).WithClock(s.now)
}

func (s *Store) acquire(ctx context.Context, purpose string, ledger bool, logins ...string) (*lock.Guard, error) {
	g, err := s.Locks.Acquire(ctx, purpose, lock.Request{Ledger: ledger, Logins: logins})
	if err != nil {
		s.log().Warn("lock refused", zap.String("purpose", purpose), zap.Error(err))
		return nil, err
	}
	return g, nil
}

// acquireWithPeers takes the ledger lock and logins, then asks peers which
// other logins the operation will touch (transfer counterparts). If one is
// missing, everything is released and retaken in the global order.
func (s *Store) acquireWithPeers(ctx context.Context, purpose string, logins []string, peers func() ([]string, error)) (*lock.Guard, error) {
	held := append([]string(nil), logins...)
	for range 3 {
		g, err := s.acquire(ctx, purpose, true, held...)
		if err != nil {
			return nil, err
		}
		need, err := peers()
		if err != nil {
			s.release(g)
			return nil, err
		}
		if covers(held, need) {
			return g, nil
		}
		s.release(g)
		held = union(held, need)
	}
	return nil, &journal.ConflictError{Resource: purpose, Reason: "linked logins kept changing while locking"}
}

func (s *Store) release(g *lock.Guard) {
	if g == nil {
		return
	}
	if err := g.Release(); err != nil {
		s.log().Warn("release lock", zap.Error(err))
	}
}

// account is one login account loaded for a read-modify-write cycle.
type account struct {
	Key     journal.AccountKey
	Config  workspace.AccountConfig
	Journal *journal.Journal
	Ops     []oplog.Record
	dirty   bool
	pending []oplog.Op
}

func (s *Store) loadAccount(key journal.AccountKey) (*account, error) {
	cfg, err := s.WS.ReadAccountConfig(key)
	if err != nil {
		return nil, err
	}
	j, err := journal.ReadJournal(s.WS.JournalPath(key))
	if err != nil {
		return nil, err
	}
	ops, err := s.accountLog(key).Read()
	if err != nil {
		return nil, err
	}
	return &account{Key: key, Config: cfg, Journal: j, Ops: ops}, nil
}

// GLAccount is the account the real-side posting is booked to in the GL.
func (a *account) GLAccount() string { return effectiveGL(a.Config) }

func effectiveGL(cfg workspace.AccountConfig) string {
	if cfg.GLAccount != "" {
		return cfg.GLAccount
	}
	return cfg.Account
}

func (a *account) entry(id string) (*journal.Entry, error) {
	e, ok := a.Journal.Get(id)
	if !ok {
		return nil, fmt.Errorf("entry %s in %s: %w", id, a.Key, journal.ErrNotFound)
	}
	return e, nil
}

func (a *account) record(ops ...oplog.Op) { a.pending = append(a.pending, ops...) }

// removedDocuments lists documents withdrawn by remove-scrape.
func (a *account) removedDocuments() map[string]bool {
	out := map[string]bool{}
	for _, op := range oplog.Ops[oplog.RemoveScrape](a.Ops) {
		for _, d := range op.Documents {
			out[d] = true
		}
	}
	return out
}

func (s *Store) saveAccount(a *account) error {
	if len(a.pending) > 0 {
		recs, err := s.accountLog(a.Key).Append(a.pending...)
		if err != nil {
			return err
		}
		a.Ops = append(a.Ops, recs...)
		a.pending = nil
	}
	if !a.dirty {
		return nil
	}
	if err := journal.WriteJournal(s.WS.JournalPath(a.Key), a.Journal); err != nil {
		return fmt.Errorf("write journal %s: %w", a.Key, err)
	}
	a.dirty = false
	return nil
}

// changeSet collects everything one operation touches: the general ledger
// and the accounts it loads on demand. Nothing reaches disk until commit.
type changeSet struct {
	s        *Store
	GL       *journal.GeneralLedger
	glDirty  bool
	rootOps  []oplog.Op
	accounts map[journal.AccountKey]*account
	order    []journal.AccountKey
}

func (s *Store) begin(withLedger bool) (*changeSet, error) {
	c := &changeSet{s: s, accounts: map[journal.AccountKey]*account{}}
	if withLedger {
		gl, err := journal.ReadGeneralLedger(s.WS.LedgerPath())
		if err != nil {
			return nil, err
		}
		c.GL = gl
	}
	return c, nil
}

func (c *changeSet) account(key journal.AccountKey) (*account, error) {
	if a, ok := c.accounts[key]; ok {
		return a, nil
	}
	a, err := c.s.loadAccount(key)
	if err != nil {
		return nil, err
	}
	c.accounts[key] = a
	c.order = append(c.order, key)
	return a, nil
}

func (c *changeSet) record(ops ...oplog.Op) { c.rootOps = append(c.rootOps, ops...) }

func (c *changeSet) putGL(t *journal.GLTransaction) {
	c.GL.Put(t)
	c.glDirty = true
}

// commit appends the root operations, replaces the general ledger, then
// does the same for each account in load order. Every file's operations are
// on disk before the file they describe is replaced.
func (c *changeSet) commit() error {
	if len(c.rootOps) > 0 {
		if _, err := c.s.rootLog().Append(c.rootOps...); err != nil {
			return err
		}
		c.rootOps = nil
	}
	if c.glDirty {
		if err := journal.WriteGeneralLedger(c.s.WS.LedgerPath(), c.GL); err != nil {
			return fmt.Errorf("write general ledger: %w", err)
		}
		c.glDirty = false
	}
	for _, key := range c.order {
		if err := c.s.saveAccount(c.accounts[key]); err != nil {
			return err
		}
	}
	return nil
}

// markStale tags the GL transactions linked from e after e changed.
func (c *changeSet) markStale(ctx context.Context, key journal.AccountKey, e *journal.Entry, fields []string) []string {
	var out []string
	for _, glID := range e.LinkedGL() {
		t, ok := c.GL.Get(glID)
		if !ok {
			c.s.log().Warn("forward link to missing GL transaction", zap.String("entry", e.ID), zap.String("gl_txn", glID))
			continue
		}
		reason := fmt.Sprintf("%s:%s changed %v", key, e.ID, fields)
		t.MarkStale(reason)
		c.glDirty = true
		out = append(out, glID)
		c.s.review(ctx, repository.ReviewItem{
			Kind: repository.ReviewStale, Login: key.Login, Label: key.Label,
			EntryID: e.ID, GLTxnID: glID, Ref: glID, Detail: reason,
		})
		c.s.log().Info("GL transaction marked stale",
			zap.String("gl_txn", glID), zap.String("entry", e.ID), zap.Strings("fields", fields))
	}
	return out
}

// unlink deletes t from the ledger and clears the forward link on every
// entry posting it was sourced from.
func (c *changeSet) unlink(t *journal.GLTransaction) error {
	for _, src := range t.Sources() {
		a, err := c.account(src.Account)
		if err != nil {
			return err
		}
		e, ok := a.Journal.Get(src.EntryID)
		if !ok {
			continue
		}
		i, err := e.ResolvePosting(src.Posting)
		if err != nil {
			c.s.log().Warn("source posting unresolvable", zap.String("gl_txn", t.ID), zap.String("entry", e.ID), zap.Error(err))
			continue
		}
		if e.Link(i) == t.ID {
			e.ClearLink(i)
			a.dirty = true
		}
	}
	c.GL.Delete(t.ID)
	c.glDirty = true
	return nil
}

// review queues an item for the operator. The catalog is derived, so a
// failure here is logged and does not fail the operation.
func (s *Store) review(ctx context.Context, it repository.ReviewItem) {
	if s.Reviews == nil {
		return
	}
	if it.ID == "" {
		it.ID = s.newID()
	}
	if _, err := s.Reviews.Add(ctx, it); err != nil {
		s.log().Warn("queue review item", zap.String("kind", it.Kind), zap.String("ref", it.Ref), zap.Error(err))
	}
}

func (s *Store) resolveReview(ctx context.Context, kind, ref string) {
	if s.Reviews == nil {
		return
	}
	if err := s.Reviews.ResolveRef(ctx, kind, ref); err != nil {
		s.log().Warn("resolve review item", zap.String("kind", kind), zap.String("ref", ref), zap.Error(err))
	}
}

func catalogRow(doc workspace.Document, removed bool) repository.Document {
	row := repository.Document{
		Login: doc.Account.Login, Label: doc.Account.Label, Name: doc.Name,
		SessionID: doc.Sidecar.ScrapeSessionID, ScrapedAt: doc.Sidecar.ScrapedAt,
		MimeType: doc.Sidecar.MimeType, OriginalURL: doc.Sidecar.OriginalURL, Extension: doc.Sidecar.ExtensionName,
		Removed: removed,
	}
	if start, end, ok := doc.Sidecar.Coverage(); ok {
		row.CoverageStart, row.CoverageEnd = start.String(), end.String()
	}
	return row
}

func (s *Store) catalogDocument(ctx context.Context, doc workspace.Document, removed bool) {
	if s.Documents == nil {
		return
	}
	if err := s.Documents.Upsert(ctx, catalogRow(doc, removed)); err != nil {
		s.log().Warn("catalog document", zap.String("document", doc.Name), zap.Error(err))
	}
}

// proposals returns the proposed transactions for doc: the scraper-supplied
// ones stored beside it, else the configured extractor's output. A non-nil
// error with transactions reports skipped rows.
func (s *Store) proposals(a *account, doc workspace.Document) ([]journal.ProposedTransaction, string, error) {
	txns, ok, err := s.WS.ReadProposals(doc)
	if err != nil {
		return nil, "", err
	}
	if ok {
		x := extract.Static{Source: doc.Sidecar.ExtensionName, Txns: txns}
		return txns, extract.ExtractedBy(x), nil
	}
	x, err := s.Extractors.For(a.Config, doc)
	if err != nil {
		return nil, "", err
	}
	data, err := s.WS.ReadDocument(doc)
	if err != nil {
		return nil, "", err
	}
	txns, err = x.Extract(doc, data)
	return txns, extract.ExtractedBy(x), err
}

// liveDocuments lists an account's documents not withdrawn by remove-scrape,
// oldest scrape first.
func (s *Store) liveDocuments(a *account) ([]workspace.Document, error) {
	docs, err := s.WS.Documents(a.Key)
	if err != nil {
		return nil, err
	}
	removed := a.removedDocuments()
	out := docs[:0]
	for _, d := range docs {
		if !removed[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// sourced is a normalized proposal and the document it came from.
type sourced struct {
	P   journal.ProposedTransaction
	Doc workspace.Document
}

// evidenceIndex maps every evidence ref in the account's live documents to
// the proposal that carries it. Unreadable documents are logged and skipped.
func (s *Store) evidenceIndex(a *account) (map[string]sourced, error) {
	docs, err := s.liveDocuments(a)
	if err != nil {
		return nil, err
	}
	out := map[string]sourced{}
	for _, doc := range docs {
		txns, _, err := s.proposals(a, doc)
		if err != nil {
			s.log().Warn("re-read document", zap.String("document", doc.Name), zap.Error(err))
		}
		for i, p := range txns {
			if p.Validate(i, doc.Name) != nil {
				continue
			}
			np := p.Normalize(a.Config.Account)
			for _, ref := range np.Evidence() {
				out[ref] = sourced{P: np, Doc: doc}
			}
		}
	}
	return out, nil
}

// splitJoined flattens an errors.Join result.
func splitJoined(err error) []error {
	if err == nil {
		return nil
	}
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		return multi.Unwrap()
	}
	return []error{err}
}

// loginsOf returns the distinct logins behind the source tags of GL ids.
func loginsOf(gl *journal.GeneralLedger, ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		t, ok := gl.Get(id)
		if !ok {
			continue
		}
		for _, src := range t.Sources() {
			if !seen[src.Account.Login] {
				seen[src.Account.Login] = true
				out = append(out, src.Account.Login)
			}
		}
	}
	sort.Strings(out)
	return out
}

// covers reports whether every login in need is in held.
func covers(held, need []string) bool {
	set := map[string]bool{}
	for _, h := range held {
		set[h] = true
	}
	for _, n := range need {
		if !set[n] {
			return false
		}
	}
	return true
}

func union(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
