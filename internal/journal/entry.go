package journal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry is an account-journal entry: the durable record of one real-world
// transaction on one login account. ID is assigned once and never derived
// from content.
type Entry struct {
	ID                 string    `json:"id"`
	Date               Date      `json:"date"`
	Status             Status    `json:"status"`
	Description        string    `json:"description"`
	Comment            string    `json:"comment,omitempty"`
	Postings           []Posting `json:"postings"`
	Evidence           []string  `json:"evidence"`
	BankID             string    `json:"bankId,omitempty"`
	ExtractedBy        string    `json:"extractedBy,omitempty"`
	NoFinalTransaction bool      `json:"noFinalTransaction,omitempty"`
	Tags               Tags      `json:"tags,omitempty"`
}

// NewEntry builds an entry from a normalized proposed transaction.
func NewEntry(id string, p ProposedTransaction, extractedBy string) *Entry {
	e := &Entry{ID: id, ExtractedBy: extractedBy}
	e.SetContent(p)
	e.Evidence = nil
	e.AddEvidence(p.Evidence()...)
	return e
}

// SetContent overwrites the transaction fields from p. Evidence and
// identity are left alone. Proposal tags replace entry tags of the same name
// and forward links are re-keyed to the new posting shape.
func (e *Entry) SetContent(p ProposedTransaction) {
	links := e.Links()
	e.Date = p.Date
	e.Status = p.Status
	e.Description = p.Description
	e.Comment = p.Comment
	e.Postings = clonePostings(p.Postings)
	if id := p.BankID(); id != "" {
		e.BankID = id
	}
	e.setProposalTags(p.Tags)
	e.removeLinkTags()
	for _, i := range sortedKeys(links) {
		e.Tags.Add(e.LinkTag(i), links[i])
	}
}

func (e *Entry) setProposalTags(tags Tags) {
	seen := map[string]bool{}
	for _, t := range tags {
		if t.Name == TagEvidence || t.Name == TagBankID || isLinkTag(t.Name) {
			continue
		}
		if !seen[t.Name] {
			seen[t.Name] = true
			e.Tags.Remove(t.Name)
		}
		e.Tags.Add(t.Name, t.Value)
	}
}

// Amount is the amount of the first posting.
func (e *Entry) Amount() decimal.Decimal {
	if len(e.Postings) == 0 {
		return decimal.Zero
	}
	return e.Postings[0].Amount
}

// UnreconciledPostings returns the indexes of Equity:Unreconciled postings.
func (e *Entry) UnreconciledPostings() []int {
	var out []int
	for i, p := range e.Postings {
		if p.IsUnreconciled() {
			out = append(out, i)
		}
	}
	return out
}

// IsPassThrough reports whether more than one posting needs reconciling.
func (e *Entry) IsPassThrough() bool { return len(e.UnreconciledPostings()) > 1 }

// ResolvePosting picks the posting a reconciliation targets. A nil index is
// only accepted when exactly one posting is unreconciled.
func (e *Entry) ResolvePosting(index *int) (int, error) {
	open := e.UnreconciledPostings()
	if index == nil {
		switch len(open) {
		case 0:
			return 0, &ConflictError{Resource: "entry " + e.ID, Reason: "has no unreconciled posting"}
		case 1:
			return open[0], nil
		default:
			return 0, &ConflictError{Resource: "entry " + e.ID,
				Reason: fmt.Sprintf("has %d unreconciled postings; a posting index is required", len(open))}
		}
	}
	for _, i := range open {
		if i == *index {
			return i, nil
		}
	}
	return 0, &ConflictError{Resource: fmt.Sprintf("entry %s posting %d", e.ID, *index), Reason: "is not an unreconciled posting"}
}

// PostingRef returns the optional posting index recorded in source tags and
// operations: nil unless the entry is pass-through.
func (e *Entry) PostingRef(i int) *int {
	if !e.IsPassThrough() {
		return nil
	}
	return &i
}

// LinkTag is the forward-link tag name for posting i: the bare form when i
// is the entry's only unreconciled posting.
func (e *Entry) LinkTag(i int) string {
	if open := e.UnreconciledPostings(); len(open) == 1 && open[0] == i {
		return TagReconciled
	}
	return TagReconciledPosting + strconv.Itoa(i)
}

// Link returns the GL transaction id posting i is reconciled to.
func (e *Entry) Link(i int) string { return e.Links()[i] }

func (e *Entry) SetLink(i int, glID string) {
	e.ClearLink(i)
	e.Tags.Add(e.LinkTag(i), glID)
}

func (e *Entry) ClearLink(i int) {
	if e.Tags.Remove(TagReconciledPosting + strconv.Itoa(i)) {
		return
	}
	if id, ok := e.Tags.Get(TagReconciled); ok && e.bareLinkPosting() == i && id != "" {
		e.Tags.Remove(TagReconciled)
	}
}

// Links maps posting index to GL transaction id for every reconciled posting.
// Both tag forms are read whatever the current posting shape: the bare form
// belongs to the first unreconciled posting without an indexed link.
func (e *Entry) Links() map[int]string {
	out := map[int]string{}
	for _, t := range e.Tags {
		if i, ok := linkPosting(t.Name); ok && t.Value != "" {
			if _, dup := out[i]; !dup {
				out[i] = t.Value
			}
		}
	}
	if id, ok := e.Tags.Get(TagReconciled); ok && id != "" {
		if i := e.bareLinkPosting(); i >= 0 {
			out[i] = id
		}
	}
	return out
}

func (e *Entry) bareLinkPosting() int {
	for _, i := range e.UnreconciledPostings() {
		if _, ok := e.Tags.Get(TagReconciledPosting + strconv.Itoa(i)); !ok {
			return i
		}
	}
	return -1
}

// LinkedGL returns the distinct GL ids this entry points at, sorted.
func (e *Entry) LinkedGL() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range e.Links() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Entry) removeLinkTags() {
	var kept Tags
	for _, t := range e.Tags {
		if !isLinkTag(t.Name) {
			kept = append(kept, t)
		}
	}
	e.Tags = kept
}

func isLinkTag(name string) bool {
	_, ok := linkPosting(name)
	return ok || name == TagReconciled
}

// linkPosting parses the posting index of an indexed link tag.
func linkPosting(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, TagReconciledPosting)
	if !ok || rest == "" {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || strconv.Itoa(i) != rest {
		return 0, false
	}
	return i, true
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (e *Entry) HasEvidence(ref string) bool {
	for _, r := range e.Evidence {
		if r == ref {
			return true
		}
	}
	return false
}

// HasEvidenceFrom reports whether any evidence ref points into doc.
func (e *Entry) HasEvidenceFrom(doc string) bool {
	for _, r := range e.Evidence {
		if EvidenceDocument(r) == doc {
			return true
		}
	}
	return false
}

// AddEvidence appends refs not already present and returns how many were new.
func (e *Entry) AddEvidence(refs ...string) int {
	added := 0
	for _, r := range refs {
		if !e.HasEvidence(r) {
			e.Evidence = append(e.Evidence, r)
			added++
		}
	}
	return added
}

// RemoveEvidenceFrom drops refs into any of docs and returns them.
func (e *Entry) RemoveEvidenceFrom(docs map[string]bool) []string {
	var removed []string
	kept := e.Evidence[:0]
	for _, r := range e.Evidence {
		if docs[EvidenceDocument(r)] {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	e.Evidence = kept
	return removed
}

// EvidenceDocuments lists the distinct documents backing the entry.
func (e *Entry) EvidenceDocuments() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range e.Evidence {
		d := EvidenceDocument(r)
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// SameContent compares the transaction fields, ignoring evidence, links and
// extractor name.
func (e *Entry) SameContent(o *Entry) bool { return len(e.ContentDiff(o)) == 0 }

// ContentDiff names the transaction fields that differ between e and o.
func (e *Entry) ContentDiff(o *Entry) []string {
	var diff []string
	if e.Date != o.Date {
		diff = append(diff, "date")
	}
	if e.Status != o.Status {
		diff = append(diff, "status")
	}
	if e.Description != o.Description {
		diff = append(diff, "description")
	}
	if e.Comment != o.Comment {
		diff = append(diff, "comment")
	}
	if !postingsEqual(e.Postings, o.Postings) {
		diff = append(diff, "postings")
	}
	if e.BankID != o.BankID {
		diff = append(diff, "bankId")
	}
	if e.NoFinalTransaction != o.NoFinalTransaction {
		diff = append(diff, "noFinalTransaction")
	}
	return diff
}

func (e *Entry) Clone() *Entry {
	c := *e
	c.Postings = clonePostings(e.Postings)
	c.Evidence = append([]string(nil), e.Evidence...)
	c.Tags = e.Tags.Clone()
	return &c
}
