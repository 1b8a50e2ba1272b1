package journal

import (
	"strings"

	"github.com/shopspring/decimal"
)

// UnreconciledPrefix marks postings that still need a real counterpart account.
const UnreconciledPrefix = "Equity:Unreconciled"

// UnreconciledAccount returns the placeholder counterpart for account.
func UnreconciledAccount(account string) string { return UnreconciledPrefix + ":" + account }

// Posting is one leg of a transaction.
type Posting struct {
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Commodity string          `json:"commodity,omitempty"`
}

// IsUnreconciled reports whether the posting targets an Equity:Unreconciled account.
func (p Posting) IsUnreconciled() bool {
	return p.Account == UnreconciledPrefix || strings.HasPrefix(p.Account, UnreconciledPrefix+":")
}

func (p Posting) Equal(o Posting) bool {
	return p.Account == o.Account && p.Amount.Equal(o.Amount) && p.Commodity == o.Commodity
}

func postingsEqual(a, b []Posting) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func clonePostings(ps []Posting) []Posting {
	if ps == nil {
		return nil
	}
	out := make([]Posting, len(ps))
	copy(out, ps)
	return out
}

// Well known tag names.
const (
	TagEvidence           = "evidence"
	TagBankID             = "bankId"
	TagReconciled         = "reconciled"
	TagReconciledPosting  = "reconciledPosting"
	TagGeneratedBy        = "generated-by"
	TagSource             = "source"
	TagStale              = "stale"
	TagNeedsReview        = "needsReview"
	GeneratedByReconciler = "reconcile-engine"
)

// Tag is a name/value annotation. Order is significant and names may repeat.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Tags is an ordered tag list.
type Tags []Tag

// Get returns the first value for name.
func (t Tags) Get(name string) (string, bool) {
	for _, tag := range t {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// All returns every value for name in order.
func (t Tags) All(name string) []string {
	var out []string
	for _, tag := range t {
		if tag.Name == name {
			out = append(out, tag.Value)
		}
	}
	return out
}

// Add appends a tag, keeping existing ones with the same name.
func (t *Tags) Add(name, value string) { *t = append(*t, Tag{Name: name, Value: value}) }

// Set replaces every tag called name with a single one holding value.
func (t *Tags) Set(name, value string) {
	for i, tag := range *t {
		if tag.Name == name {
			(*t)[i].Value = value
			rest := (*t)[i+1:]
			kept := (*t)[:i+1]
			for _, r := range rest {
				if r.Name != name {
					kept = append(kept, r)
				}
			}
			*t = kept
			return
		}
	}
	t.Add(name, value)
}

// Remove drops every tag called name and reports whether any existed.
func (t *Tags) Remove(name string) bool {
	kept := (*t)[:0]
	removed := false
	for _, tag := range *t {
		if tag.Name == name {
			removed = true
			continue
		}
		kept = append(kept, tag)
	}
	if len(kept) == 0 {
		*t = nil
	} else {
		*t = kept
	}
	return removed
}

func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	copy(out, t)
	return out
}

func (t Tags) equal(o Tags) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}
