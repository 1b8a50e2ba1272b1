package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jask/jaskledger/internal/journal"
)

const (
	sidecarSuffix   = ".json"
	proposalsSuffix = ".transactions.jsonl"
)

// Sidecar is the scraper's metadata for one evidence document.
type Sidecar struct {
	MimeType        string       `json:"mimeType"`
	OriginalURL     string       `json:"originalUrl,omitempty"`
	ScrapedAt       time.Time    `json:"scrapedAt"`
	ExtensionName   string       `json:"extensionName"`
	LoginName       string       `json:"loginName"`
	Label           string       `json:"label"`
	ScrapeSessionID string       `json:"scrapeSessionId"`
	CoverageEndDate journal.Date `json:"coverageEndDate,omitempty"`
	DateRangeStart  journal.Date `json:"dateRangeStart,omitempty"`
	DateRangeEnd    journal.Date `json:"dateRangeEnd,omitempty"`
}

// Coverage returns the window the document declares complete, if any.
// CoverageEndDate wins over DateRangeEnd.
func (s Sidecar) Coverage() (start, end journal.Date, ok bool) {
	end = s.CoverageEndDate
	if end.IsZero() {
		end = s.DateRangeEnd
	}
	if s.DateRangeStart.IsZero() || end.IsZero() {
		return journal.Date{}, journal.Date{}, false
	}
	return s.DateRangeStart, end, true
}

// Document is an evidence document on disk.
type Document struct {
	Name    string
	Account journal.AccountKey
	Path    string
	Sidecar Sidecar
}

// StoreDocument writes an evidence document and its sidecar. Documents are
// immutable: storing the same bytes again returns the stored document with
// its original sidecar, different bytes under an existing name are refused.
func (w *Workspace) StoreDocument(key journal.AccountKey, name string, data []byte, sc Sidecar) (Document, error) {
	if err := validDocumentName(name); err != nil {
		return Document{}, err
	}
	if sc.LoginName != key.Login || sc.Label != key.Label {
		return Document{}, fmt.Errorf("sidecar for %s names %s/%s", name, sc.LoginName, sc.Label)
	}
	if sc.ScrapeSessionID == "" {
		return Document{}, fmt.Errorf("sidecar for %s: scrapeSessionId required", name)
	}
	if err := w.EnsureAccount(key); err != nil {
		return Document{}, err
	}
	doc := Document{Name: name, Account: key, Path: filepath.Join(w.DocumentsDir(key), name), Sidecar: sc}

	// Identical bytes already stored keep their original sidecar.
	if existing, err := os.ReadFile(doc.Path); err == nil && bytes.Equal(existing, data) {
		stored, err := readSidecar(doc.Path + sidecarSuffix)
		if err == nil {
			doc.Sidecar = stored
			return doc, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Document{}, fmt.Errorf("document %s: %w", name, err)
		}
	}

	meta, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return Document{}, fmt.Errorf("encode sidecar: %w", err)
	}
	if err := writeOnce(doc.Path, data); err != nil {
		return Document{}, err
	}
	if err := writeOnce(doc.Path+sidecarSuffix, append(meta, '\n')); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func writeOnce(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return &journal.ConflictError{Resource: "document " + filepath.Base(path), Reason: "already exists with different content"}
	case errors.Is(err, fs.ErrNotExist):
		return journal.WriteFileAtomic(path, data, 0o444)
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}
}

func validDocumentName(name string) error {
	if err := validName(name); err != nil {
		return fmt.Errorf("document: %w", err)
	}
	if strings.HasSuffix(name, sidecarSuffix) || strings.HasSuffix(name, proposalsSuffix) {
		return fmt.Errorf("document %q: reserved suffix", name)
	}
	return nil
}

// Documents lists an account's evidence documents ordered by scrape time.
func (w *Workspace) Documents(key journal.AccountKey) ([]Document, error) {
	dir := w.DocumentsDir(key)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []Document
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || validDocumentName(name) != nil {
			continue
		}
		sc, err := readSidecar(filepath.Join(dir, name+sidecarSuffix))
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", name, err)
		}
		docs = append(docs, Document{Name: name, Account: key, Path: filepath.Join(dir, name), Sidecar: sc})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].Sidecar.ScrapedAt.Equal(docs[j].Sidecar.ScrapedAt) {
			return docs[i].Sidecar.ScrapedAt.Before(docs[j].Sidecar.ScrapedAt)
		}
		return docs[i].Name < docs[j].Name
	})
	return docs, nil
}

// Document looks up one document by name.
func (w *Workspace) Document(key journal.AccountKey, name string) (Document, error) {
	if err := validDocumentName(name); err != nil {
		return Document{}, err
	}
	path := filepath.Join(w.DocumentsDir(key), name)
	if _, err := os.Stat(path); err != nil {
		return Document{}, fmt.Errorf("document %s: %w", name, err)
	}
	sc, err := readSidecar(path + sidecarSuffix)
	if err != nil {
		return Document{}, fmt.Errorf("document %s: %w", name, err)
	}
	return Document{Name: name, Account: key, Path: path, Sidecar: sc}, nil
}

func readSidecar(path string) (Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("decode sidecar: %w", err)
	}
	return sc, nil
}

// ReadDocument returns the document bytes.
func (w *Workspace) ReadDocument(doc Document) ([]byte, error) {
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", doc.Name, err)
	}
	return data, nil
}

// WriteProposals keeps the scraper-supplied proposed transactions beside the
// document so re-derivation can replay them without the scraper.
func (w *Workspace) WriteProposals(doc Document, txns []journal.ProposedTransaction) error {
	var buf bytes.Buffer
	if err := journal.EncodeProposed(&buf, txns); err != nil {
		return err
	}
	return journal.WriteFileAtomic(doc.Path+proposalsSuffix, buf.Bytes(), 0o644)
}

// ReadProposals returns the stored proposals; ok is false when none were stored.
func (w *Workspace) ReadProposals(doc Document) (txns []journal.ProposedTransaction, ok bool, err error) {
	f, err := os.Open(doc.Path + proposalsSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open proposals: %w", err)
	}
	defer f.Close()
	txns, err = journal.DecodeProposed(f)
	if err != nil {
		return nil, false, fmt.Errorf("decode proposals for %s: %w", doc.Name, err)
	}
	return txns, true, nil
}
