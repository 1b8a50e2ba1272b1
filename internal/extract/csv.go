package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/workspace"
)

// Format defines how to parse a bank CSV export. Column indexes are 0-based;
// optional columns use -1 (the default) for "absent".
type Format struct {
	Name          string `toml:"name"`
	Version       string `toml:"version"`
	Description   string `toml:"description"`
	DateFormat    string `toml:"date_format"`
	HasHeader     bool   `toml:"has_header"`
	Delimiter     string `toml:"delimiter"`
	DateCol       int    `toml:"date_col"`
	AmountCol     int    `toml:"amount_col"`
	DescCol       int    `toml:"desc_col"`     // starting column for description
	DescJoin      bool   `toml:"desc_join"`    // if true, join desc_col..end
	AmountStrip   string `toml:"amount_strip"` // chars to strip from amount
	Negate        bool   `toml:"negate"`       // flip signs for exports that show debits as positive
	StatusCol     int    `toml:"status_col"`
	PendingMarker string `toml:"pending_marker"` // status cell value meaning pending
	BankIDCol     int    `toml:"bank_id_col"`
	Commodity     string `toml:"commodity"`
}

type rulesFile struct {
	Format []Format `toml:"format"`
}

// ParseFormats decodes [[format]] blocks.
func ParseFormats(data []byte) ([]Format, error) {
	var raw struct {
		Format []map[string]any `toml:"format"`
	}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse formats: %w", err)
	}
	var rf rulesFile
	if _, err := toml.Decode(string(data), &rf); err != nil {
		return nil, fmt.Errorf("parse formats: %w", err)
	}
	for i := range rf.Format {
		f := &rf.Format[i]
		// Unset optional columns decode as 0, which is a real column.
		if _, ok := raw.Format[i]["status_col"]; !ok {
			f.StatusCol = -1
		}
		if _, ok := raw.Format[i]["bank_id_col"]; !ok {
			f.BankIDCol = -1
		}
		if err := f.validate(); err != nil {
			return nil, err
		}
	}
	return rf.Format, nil
}

// LoadFormats reads a rules file; a missing file yields no formats.
func LoadFormats(path string) ([]Format, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read formats: %w", err)
	}
	return ParseFormats(data)
}

func (f *Format) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("format: name required")
	}
	if f.DateFormat == "" {
		f.DateFormat = journal.DateFormat
	}
	if f.Delimiter == "" {
		f.Delimiter = ","
	}
	if len([]rune(f.Delimiter)) != 1 {
		return fmt.Errorf("format %s: delimiter must be one character", f.Name)
	}
	if f.Version == "" {
		f.Version = "1"
	}
	if f.DateCol < 0 || f.AmountCol < 0 || f.DescCol < 0 {
		return fmt.Errorf("format %s: date, amount and description columns are required", f.Name)
	}
	return nil
}

// RowError reports a CSV row that could not be turned into a transaction.
type RowError struct {
	Document string
	Row      int
	Err      error
}

func (e *RowError) Error() string { return fmt.Sprintf("%s row %d: %v", e.Document, e.Row, e.Err) }
func (e *RowError) Unwrap() error { return e.Err }

// CSV extracts rows with a Format.
type CSV struct {
	Format Format
}

func NewCSV(f Format) *CSV { return &CSV{Format: f} }

func (c *CSV) Name() string    { return c.Format.Name }
func (c *CSV) Version() string { return c.Format.Version }

// Extract emits one proposed transaction per data row. Evidence is
// <doc>:<row>:<col> with the 1-indexed data row (header excluded) and the
// 1-indexed amount column.
func (c *CSV) Extract(doc workspace.Document, data []byte) ([]journal.ProposedTransaction, error) {
	f := c.Format
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = []rune(f.Delimiter)[0]
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var (
		out  []journal.ProposedTransaction
		errs []error
		row  int
	)
	header := f.HasHeader
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if header {
			header = false
			if err != nil {
				return nil, fmt.Errorf("%s header: %w", doc.Name, err)
			}
			continue
		}
		row++
		if err != nil {
			errs = append(errs, &RowError{Document: doc.Name, Row: row, Err: err})
			continue
		}
		if blank(rec) {
			continue
		}
		p, err := c.row(doc.Name, row, rec)
		if err != nil {
			errs = append(errs, &RowError{Document: doc.Name, Row: row, Err: err})
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, errors.Join(errs...)
}

func (c *CSV) row(doc string, row int, rec []string) (journal.ProposedTransaction, error) {
	f := c.Format
	need := max(f.DateCol, f.AmountCol, f.DescCol, f.StatusCol, f.BankIDCol)
	if len(rec) <= need {
		return journal.ProposedTransaction{}, fmt.Errorf("expected at least %d columns, got %d", need+1, len(rec))
	}
	t, err := time.Parse(f.DateFormat, strings.TrimSpace(rec[f.DateCol]))
	if err != nil {
		return journal.ProposedTransaction{}, fmt.Errorf("date: %w", err)
	}
	raw := strings.TrimSpace(rec[f.AmountCol])
	for _, ch := range f.AmountStrip {
		raw = strings.ReplaceAll(raw, string(ch), "")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return journal.ProposedTransaction{}, fmt.Errorf("amount %q: %w", rec[f.AmountCol], err)
	}
	if f.Negate {
		amount = amount.Neg()
	}
	desc := strings.TrimSpace(rec[f.DescCol])
	if f.DescJoin {
		desc = strings.Join(strings.Fields(strings.Join(rec[f.DescCol:], " ")), " ")
	}

	p := journal.ProposedTransaction{
		Date:        journal.DateOf(t),
		Status:      journal.Cleared,
		Description: desc,
		Amount:      amount,
		Commodity:   f.Commodity,
	}
	if f.StatusCol >= 0 && f.PendingMarker != "" &&
		strings.EqualFold(strings.TrimSpace(rec[f.StatusCol]), f.PendingMarker) {
		p.Status = journal.Pending
	}
	p.Tags.Add(journal.TagEvidence, journal.CSVRef(doc, row, f.AmountCol+1))
	if f.BankIDCol >= 0 {
		if id := strings.TrimSpace(rec[f.BankIDCol]); id != "" {
			p.Tags.Add(journal.TagBankID, id)
		}
	}
	return p, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
