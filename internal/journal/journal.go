package journal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AccountKey identifies a login account: the login and the account label
// the scraper reports in sidecars.
type AccountKey struct {
	Login string
	Label string
}

func (k AccountKey) String() string { return k.Login + "/" + k.Label }

// ParseAccountKey parses "login/label".
func ParseAccountKey(s string) (AccountKey, error) {
	login, label, ok := strings.Cut(s, "/")
	if !ok || login == "" || label == "" {
		return AccountKey{}, fmt.Errorf("account %q: expected <login>/<label>", s)
	}
	return AccountKey{Login: login, Label: label}, nil
}

// Journal is an in-memory account journal. It is loaded from and written back
// to a single file under the login lock; there is no shared instance.
type Journal struct {
	entries []*Entry
}

func NewJournal(entries ...*Entry) *Journal {
	j := &Journal{}
	for _, e := range entries {
		j.Put(e)
	}
	return j
}

func (j *Journal) Len() int { return len(j.entries) }

// Entries returns the entries in journal order. The slice is a copy; the
// entries are not.
func (j *Journal) Entries() []*Entry { return append([]*Entry(nil), j.entries...) }

func (j *Journal) Get(id string) (*Entry, bool) {
	for _, e := range j.entries {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// Put inserts e or replaces the entry with the same id.
func (j *Journal) Put(e *Entry) {
	for i, cur := range j.entries {
		if cur.ID == e.ID {
			j.entries[i] = e
			return
		}
	}
	j.entries = append(j.entries, e)
}

func (j *Journal) Delete(id string) bool {
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clone deep-copies the journal.
func (j *Journal) Clone() *Journal {
	c := &Journal{entries: make([]*Entry, len(j.entries))}
	for i, e := range j.entries {
		c.entries[i] = e.Clone()
	}
	return c
}

func (j *Journal) sort() {
	sort.SliceStable(j.entries, func(a, b int) bool {
		ea, eb := j.entries[a], j.entries[b]
		if ea.Date != eb.Date {
			return ea.Date.Before(eb.Date)
		}
		return ea.ID < eb.ID
	})
}

// SourceRef is the back-reference a GL transaction keeps to the account
// entry (and, for pass-through entries, the posting) it came from.
type SourceRef struct {
	Account AccountKey
	EntryID string
	Posting *int
}

// String formats <login>/<account>:<entryId>[:posting:<N>].
func (r SourceRef) String() string {
	s := r.Account.String() + ":" + r.EntryID
	if r.Posting != nil {
		s += ":posting:" + strconv.Itoa(*r.Posting)
	}
	return s
}

// ParseSourceRef is the inverse of SourceRef.String.
func ParseSourceRef(s string) (SourceRef, error) {
	acct, rest, ok := strings.Cut(s, ":")
	if !ok {
		return SourceRef{}, fmt.Errorf("source %q: missing entry id", s)
	}
	key, err := ParseAccountKey(acct)
	if err != nil {
		return SourceRef{}, fmt.Errorf("source %q: %w", s, err)
	}
	ref := SourceRef{Account: key}
	id, posting, hasPosting := strings.Cut(rest, ":posting:")
	ref.EntryID = id
	if hasPosting {
		n, err := strconv.Atoi(posting)
		if err != nil {
			return SourceRef{}, fmt.Errorf("source %q: bad posting index", s)
		}
		ref.Posting = &n
	}
	if ref.EntryID == "" {
		return SourceRef{}, fmt.Errorf("source %q: missing entry id", s)
	}
	return ref, nil
}
