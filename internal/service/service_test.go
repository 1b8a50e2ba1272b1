package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/extract"
	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/lock"
	"github.com/jask/jaskledger/internal/oplog"
	"github.com/jask/jaskledger/internal/workspace"
)

var (
	checking = journal.AccountKey{Login: "alice", Label: "checking"}
	savings  = journal.AccountKey{Login: "bob", Label: "savings"}
	card     = journal.AccountKey{Login: "alice", Label: "card"}
)

type fixture struct {
	t   *testing.T
	ctx context.Context

	ws    *workspace.Workspace
	db    *sql.DB
	store *Store
	clock time.Time
	seq   int

	ingest   *IngestService
	recon    *Reconciler
	undo     *UndoService
	rederive *Rederiver
	mapping  *MappingService
	maint    *MaintenanceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	root := t.TempDir()
	ws, err := workspace.Open(root)
	require.NoError(t, err)
	db, err := database.OpenCatalog(filepath.Join(root, "catalog", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{t: t, ctx: ctx, ws: ws, db: db, clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.store = &Store{
		WS:         ws,
		Locks:      lock.NewManager(ws.LocksDir(), "test"),
		Extractors: extract.NewRegistry(),
		Documents:  repository.NewDocumentRepo(db),
		Reviews:    repository.NewReviewRepo(db),
		Logger:     zaptest.NewLogger(t),
		Now:        f.now,
		NewID:      f.nextID,
	}
	eng := dedup.New(dedup.DefaultPolicy())
	f.ingest = &IngestService{Store: f.store, Engine: eng}
	f.recon = &Reconciler{Store: f.store, Transfers: TransferPolicy{Keywords: []string{"transfer"}, WindowDays: 3}}
	f.undo = &UndoService{Store: f.store}
	f.rederive = &Rederiver{Store: f.store, Engine: eng}
	f.mapping = &MappingService{Store: f.store}
	f.maint = &MaintenanceService{Store: f.store, DB: db}
	return f
}

// now advances one second per call so every record and scrape is ordered.
func (f *fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) nextID() string {
	f.seq++
	return fmt.Sprintf("id-%03d", f.seq)
}

// row is one proposed transaction for a test document.
type row struct {
	date   string
	amount string
	status journal.Status
	desc   string
	bankID string
	tags   [][2]string
}

func (r row) proposal(doc string, line int) journal.ProposedTransaction {
	p := journal.ProposedTransaction{
		Date:        journal.MustDate(r.date),
		Status:      r.status,
		Description: r.desc,
		Amount:      decimal.RequireFromString(r.amount),
	}
	p.Tags.Add(journal.TagEvidence, journal.CSVRef(doc, line, 3))
	if r.bankID != "" {
		p.Tags.Add(journal.TagBankID, r.bankID)
	}
	for _, kv := range r.tags {
		p.Tags.Add(kv[0], kv[1])
	}
	return p
}

// document builds an ingest input whose rows start at line 2.
func (f *fixture) document(key journal.AccountKey, name, session string, rows ...row) DocumentInput {
	in := DocumentInput{
		Name:  name,
		Bytes: []byte("date,description,amount\n" + name + "\n"),
		Sidecar: workspace.Sidecar{
			MimeType: "text/csv", ScrapedAt: f.now(), ExtensionName: "test",
			LoginName: key.Login, Label: key.Label, ScrapeSessionID: session,
		},
		Proposed: []journal.ProposedTransaction{},
	}
	for i, r := range rows {
		in.Proposed = append(in.Proposed, r.proposal(name, i+2))
	}
	return in
}

func (f *fixture) mustIngest(key journal.AccountKey, in DocumentInput) IngestResult {
	f.t.Helper()
	res, err := f.ingest.Ingest(f.ctx, key, in)
	require.NoError(f.t, err)
	require.Empty(f.t, res.Errors)
	return res
}

func (f *fixture) journal(key journal.AccountKey) *journal.Journal {
	f.t.Helper()
	j, err := journal.ReadJournal(f.ws.JournalPath(key))
	require.NoError(f.t, err)
	return j
}

func (f *fixture) entry(key journal.AccountKey, id string) *journal.Entry {
	f.t.Helper()
	e, ok := f.journal(key).Get(id)
	require.True(f.t, ok, "entry %s missing from %s", id, key)
	return e
}

// only returns the single entry of an account journal.
func (f *fixture) only(key journal.AccountKey) *journal.Entry {
	f.t.Helper()
	es := f.journal(key).Entries()
	require.Len(f.t, es, 1)
	return es[0]
}

// from returns the entry carrying evidence from doc.
func (f *fixture) from(key journal.AccountKey, doc string) *journal.Entry {
	f.t.Helper()
	for _, e := range f.journal(key).Entries() {
		if e.HasEvidenceFrom(doc) {
			return e
		}
	}
	f.t.Fatalf("no entry from %s in %s", doc, key)
	return nil
}

func (f *fixture) ledger() *journal.GeneralLedger {
	f.t.Helper()
	gl, err := journal.ReadGeneralLedger(f.ws.LedgerPath())
	require.NoError(f.t, err)
	return gl
}

func (f *fixture) accountOps(key journal.AccountKey) []oplog.Record {
	f.t.Helper()
	recs, err := oplog.Open(f.ws.OpsPath(key), oplog.ScopeAccount).Read()
	require.NoError(f.t, err)
	return recs
}

func (f *fixture) rootOps() []oplog.Record {
	f.t.Helper()
	recs, err := oplog.Open(f.ws.RootOpsPath(), oplog.ScopeRoot).Read()
	require.NoError(f.t, err)
	return recs
}

func (f *fixture) pendingReviews(kind string) []repository.ReviewItem {
	f.t.Helper()
	items, err := f.store.Reviews.ListPending(f.ctx, kind)
	require.NoError(f.t, err)
	return items
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireConflict(t *testing.T, err error) {
	t.Helper()
	var conflict *journal.ConflictError
	require.ErrorAs(t, err, &conflict)
}
