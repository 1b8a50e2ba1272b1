package journal

import (
	"sort"
)

// GLTransaction is a general-ledger transaction produced by reconciliation.
type GLTransaction struct {
	ID          string    `json:"id"`
	Date        Date      `json:"date"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	Comment     string    `json:"comment,omitempty"`
	Postings    []Posting `json:"postings"`
	Tags        Tags      `json:"tags,omitempty"`
}

// Sources parses the source tags. Malformed tags are skipped.
func (t *GLTransaction) Sources() []SourceRef {
	var out []SourceRef
	for _, v := range t.Tags.All(TagSource) {
		if ref, err := ParseSourceRef(v); err == nil {
			out = append(out, ref)
		}
	}
	return out
}

func (t *GLTransaction) IsStale() bool {
	_, ok := t.Tags.Get(TagStale)
	return ok
}

// MarkStale tags the transaction for manual confirmation; reason names the
// source entry that changed.
func (t *GLTransaction) MarkStale(reason string) { t.Tags.Set(TagStale, reason) }

func (t *GLTransaction) ClearStale() { t.Tags.Remove(TagStale) }

func (t *GLTransaction) Clone() *GLTransaction {
	c := *t
	c.Postings = clonePostings(t.Postings)
	c.Tags = t.Tags.Clone()
	return &c
}

// Equal compares every field, tags included.
func (t *GLTransaction) Equal(o *GLTransaction) bool {
	return t.ID == o.ID && t.Date == o.Date && t.Status == o.Status &&
		t.Description == o.Description && t.Comment == o.Comment &&
		postingsEqual(t.Postings, o.Postings) && t.Tags.equal(o.Tags)
}

// GeneralLedger is the in-memory general journal.
type GeneralLedger struct {
	txns []*GLTransaction
}

func NewGeneralLedger(txns ...*GLTransaction) *GeneralLedger {
	gl := &GeneralLedger{}
	for _, t := range txns {
		gl.Put(t)
	}
	return gl
}

func (g *GeneralLedger) Len() int { return len(g.txns) }

func (g *GeneralLedger) Transactions() []*GLTransaction {
	return append([]*GLTransaction(nil), g.txns...)
}

func (g *GeneralLedger) Get(id string) (*GLTransaction, bool) {
	for _, t := range g.txns {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

func (g *GeneralLedger) Put(t *GLTransaction) {
	for i, cur := range g.txns {
		if cur.ID == t.ID {
			g.txns[i] = t
			return
		}
	}
	g.txns = append(g.txns, t)
}

func (g *GeneralLedger) Delete(id string) bool {
	for i, t := range g.txns {
		if t.ID == id {
			g.txns = append(g.txns[:i], g.txns[i+1:]...)
			return true
		}
	}
	return false
}

// Accounts returns every GL posting account in use, sorted.
func (g *GeneralLedger) Accounts() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range g.txns {
		for _, p := range t.Postings {
			if !seen[p.Account] {
				seen[p.Account] = true
				out = append(out, p.Account)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (g *GeneralLedger) Clone() *GeneralLedger {
	c := &GeneralLedger{txns: make([]*GLTransaction, len(g.txns))}
	for i, t := range g.txns {
		c.txns[i] = t.Clone()
	}
	return c
}

func (g *GeneralLedger) sort() {
	sort.SliceStable(g.txns, func(a, b int) bool {
		ta, tb := g.txns[a], g.txns[b]
		if ta.Date != tb.Date {
			return ta.Date.Before(tb.Date)
		}
		return ta.ID < tb.ID
	})
}
