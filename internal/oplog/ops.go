// Package oplog is the append-only operations log. Anything that cannot be
// reproduced from evidence and the current algorithm (human decisions, id
// assignments, reconciliations) is recorded here as a typed operation.
// Records are never edited or removed; an undo is a new record.
package oplog

import (
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/journal"
)

// Kind discriminates operations on disk.
type Kind string

const (
	KindEntryCreated  Kind = "entry-created"
	KindManualAdd     Kind = "manual-add"
	KindDedupOverride Kind = "dedup-override"
	KindRemoveScrape  Kind = "remove-scrape"
	KindReconcile     Kind = "reconcile"
	KindUndoReconcile Kind = "undo-reconcile"
	KindTransferMatch Kind = "transfer-match"
	KindReconfirm     Kind = "reconfirm"
	KindSetGLMapping  Kind = "set-gl-mapping"
)

// Scope says which log a kind belongs to.
type Scope int

const (
	// ScopeAccount is the per login-account log.
	ScopeAccount Scope = iota
	// ScopeRoot is the ledger-wide log.
	ScopeRoot
)

func (k Kind) Scope() Scope {
	switch k {
	case KindEntryCreated, KindManualAdd, KindDedupOverride, KindRemoveScrape:
		return ScopeAccount
	default:
		return ScopeRoot
	}
}

// Op is one of the operation structs below.
type Op interface {
	Kind() Kind
}

// EntryCreated records a fresh entry id with the fingerprint needed to
// recover it on re-derivation.
type EntryCreated struct {
	EntryID  string          `json:"entryId"`
	Evidence []string        `json:"evidence"`
	Date     journal.Date    `json:"date"`
	Amount   decimal.Decimal `json:"amount"`
	BankID   string          `json:"bankId,omitempty"`
}

// ManualAdd records an entry typed in by the operator.
type ManualAdd struct {
	EntryID     string                      `json:"entryId"`
	Transaction journal.ProposedTransaction `json:"transaction"`
}

// OverrideAction is the operator's answer to an ambiguous or wrong match.
type OverrideAction string

const (
	ForceMatch   OverrideAction = "force-match"
	PreventMatch OverrideAction = "prevent-match"
)

// DedupOverride pins (or forbids) the match between a proposed transaction,
// identified by fingerprint, and an entry. It applies on every later run.
type DedupOverride struct {
	Action      OverrideAction              `json:"action"`
	EntryID     string                      `json:"entryId"`
	Fingerprint string                      `json:"fingerprint"`
	Proposed    journal.ProposedTransaction `json:"proposed"`
}

// RemoveScrape records that a scrape session's evidence was withdrawn.
type RemoveScrape struct {
	ScrapeSessionID string   `json:"scrapeSessionId"`
	Documents       []string `json:"documents,omitempty"`
}

// Reconcile records a GL transaction created for an entry posting.
type Reconcile struct {
	Account            string `json:"account"`
	EntryID            string `json:"entryId"`
	CounterpartAccount string `json:"counterpartAccount"`
	PostingIndex       *int   `json:"postingIndex,omitempty"`
	GLTxnID            string `json:"glTxnId"`
}

// UndoReconcile records the removal of a reconciliation.
type UndoReconcile struct {
	Account      string `json:"account"`
	EntryID      string `json:"entryId"`
	PostingIndex *int   `json:"postingIndex,omitempty"`
	GLTxnID      string `json:"glTxnId"`
}

// TransferSide is one half of a transfer match.
type TransferSide struct {
	Account      string `json:"account"`
	EntryID      string `json:"entryId"`
	PostingIndex *int   `json:"postingIndex,omitempty"`
}

// TransferMatch records two entries reconciled against each other.
type TransferMatch struct {
	Entries [2]TransferSide `json:"entries"`
	GLTxnID string          `json:"glTxnId"`
}

// Reconfirm records manual confirmation of a stale GL transaction.
type Reconfirm struct {
	Account      string `json:"account"`
	EntryID      string `json:"entryId"`
	PostingIndex *int   `json:"postingIndex,omitempty"`
	GLTxnID      string `json:"glTxnId"`
}

// SetGLMapping records a mapping change; an empty GLAccount clears it.
type SetGLMapping struct {
	Account   string `json:"account"`
	GLAccount string `json:"glAccount,omitempty"`
}

func (EntryCreated) Kind() Kind  { return KindEntryCreated }
func (ManualAdd) Kind() Kind     { return KindManualAdd }
func (DedupOverride) Kind() Kind { return KindDedupOverride }
func (RemoveScrape) Kind() Kind  { return KindRemoveScrape }
func (Reconcile) Kind() Kind     { return KindReconcile }
func (UndoReconcile) Kind() Kind { return KindUndoReconcile }
func (TransferMatch) Kind() Kind { return KindTransferMatch }
func (Reconfirm) Kind() Kind     { return KindReconfirm }
func (SetGLMapping) Kind() Kind  { return KindSetGLMapping }
