// Package extract turns evidence documents into proposed transactions.
// Field extraction for a given bank is configuration (CSV rules) or comes
// ready-made from the scraper; this package only hosts those collaborators.
package extract

import (
	"fmt"
	"sort"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/workspace"
)

// Extractor proposes transactions for one document.
//
// Extract returns every transaction it could read. A non-nil error together
// with transactions reports rows that were skipped; a non-nil error with no
// transactions means the document could not be read at all.
type Extractor interface {
	Name() string
	Version() string
	Extract(doc workspace.Document, data []byte) ([]journal.ProposedTransaction, error)
}

// ExtractedBy is the extractedBy value recorded on entries.
func ExtractedBy(x Extractor) string { return x.Name() + "@" + x.Version() }

// Registry resolves extractors by name.
type Registry struct {
	byName map[string]Extractor
}

func NewRegistry(xs ...Extractor) *Registry {
	r := &Registry{byName: map[string]Extractor{}}
	for _, x := range xs {
		r.Register(x)
	}
	return r
}

func (r *Registry) Register(x Extractor) { r.byName[x.Name()] = x }

func (r *Registry) Lookup(name string) (Extractor, bool) {
	if r == nil {
		return nil, false
	}
	x, ok := r.byName[name]
	return x, ok
}

// Names lists registered extractors, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// For picks the extractor for a document: the account's configured
// extractor, else one named after the scraper extension.
func (r *Registry) For(cfg workspace.AccountConfig, doc workspace.Document) (Extractor, error) {
	name := cfg.Extractor
	if name == "" {
		name = doc.Sidecar.ExtensionName
	}
	x, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no extractor %q for document %s", name, doc.Name)
	}
	return x, nil
}

// Static serves proposals the scraper supplied alongside the document.
type Static struct {
	Source string
	Txns   []journal.ProposedTransaction
}

func (s Static) Name() string    { return "scraper-" + s.Source }
func (s Static) Version() string { return "1" }

func (s Static) Extract(workspace.Document, []byte) ([]journal.ProposedTransaction, error) {
	return s.Txns, nil
}
