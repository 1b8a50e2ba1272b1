package journal

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ProposedTransaction is an extractor's candidate for one document row or
// region. It is never persisted as is; the updater turns it into an Entry.
type ProposedTransaction struct {
	Date        Date            `json:"date"`
	Status      Status          `json:"status"`
	Description string          `json:"description"`
	Comment     string          `json:"comment,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Commodity   string          `json:"commodity,omitempty"`
	Tags        Tags            `json:"tags,omitempty"`
	Postings    []Posting       `json:"postings,omitempty"`
}

// Evidence returns the evidence tag values in order.
func (p ProposedTransaction) Evidence() []string { return p.Tags.All(TagEvidence) }

// BankID returns the bank supplied identifier, if any.
func (p ProposedTransaction) BankID() string {
	v, _ := p.Tags.Get(TagBankID)
	return v
}

// TotalAmount is the amount of the first posting, falling back to Amount
// when no postings were given.
func (p ProposedTransaction) TotalAmount() decimal.Decimal {
	if len(p.Postings) > 0 {
		return p.Postings[0].Amount
	}
	return p.Amount
}

// Normalize synthesizes the default posting pair for account when the
// extractor gave no explicit postings.
func (p ProposedTransaction) Normalize(account string) ProposedTransaction {
	out := p
	out.Tags = p.Tags.Clone()
	if len(p.Postings) > 0 {
		out.Postings = clonePostings(p.Postings)
		return out
	}
	out.Postings = []Posting{
		{Account: account, Amount: p.Amount, Commodity: p.Commodity},
		{Account: UnreconciledAccount(account), Amount: p.Amount.Neg(), Commodity: p.Commodity},
	}
	return out
}

// Validate checks the evidence tags against the document the transaction
// was extracted from. index is the position in the batch, used in errors.
func (p ProposedTransaction) Validate(index int, document string) error {
	refs := p.Evidence()
	if len(refs) == 0 {
		return &ValidationError{Index: index, Reason: "missing evidence tag"}
	}
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return &ValidationError{Index: index, Reason: "empty evidence tag"}
		}
		ev, err := ParseEvidence(ref)
		if err != nil {
			return &ValidationError{Index: index, Evidence: ref, Reason: err.Error()}
		}
		if ev.Document != document {
			return &ValidationError{Index: index, Evidence: ref,
				Reason: fmt.Sprintf("evidence names document %q, expected %q", ev.Document, document)}
		}
	}
	if p.Date.IsZero() {
		return &ValidationError{Index: index, Evidence: refs[0], Reason: "missing date"}
	}
	if len(p.Postings) == 1 {
		return &ValidationError{Index: index, Evidence: refs[0], Reason: "explicit postings need at least two legs"}
	}
	return nil
}

// Fingerprint identifies a proposed transaction across runs. It only uses the
// parts a re-extraction is expected to reproduce.
func (p ProposedTransaction) Fingerprint() string {
	refs := append([]string(nil), p.Evidence()...)
	sort.Strings(refs)
	parts := []string{strings.Join(refs, " "), p.Date.String(), p.TotalAmount().String(), p.BankID()}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum[:])
}
