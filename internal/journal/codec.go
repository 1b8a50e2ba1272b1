package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// DecodeJournal reads JSONL entries, one per line.
func DecodeJournal(r io.Reader) (*Journal, error) {
	j := &Journal{}
	err := decodeLines(r, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if e.ID == "" {
			return errors.New("entry without id")
		}
		if _, dup := j.Get(e.ID); dup {
			return fmt.Errorf("duplicate entry id %s", e.ID)
		}
		j.entries = append(j.entries, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// EncodeJournal writes entries sorted by date then id.
func EncodeJournal(w io.Writer, j *Journal) error {
	j.sort()
	for _, e := range j.entries {
		if err := encodeLine(w, e); err != nil {
			return err
		}
	}
	return nil
}

// ReadJournal loads path; a missing file is an empty journal.
func ReadJournal(path string) (*Journal, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewJournal(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	j, err := DecodeJournal(f)
	if err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", path, err)
	}
	return j, nil
}

// WriteJournal atomically replaces path with j.
func WriteJournal(path string, j *Journal) error {
	var buf bytes.Buffer
	if err := EncodeJournal(&buf, j); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o644)
}

func DecodeGeneralLedger(r io.Reader) (*GeneralLedger, error) {
	g := &GeneralLedger{}
	err := decodeLines(r, func(line []byte) error {
		var t GLTransaction
		if err := json.Unmarshal(line, &t); err != nil {
			return err
		}
		if t.ID == "" {
			return errors.New("transaction without id")
		}
		g.txns = append(g.txns, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func EncodeGeneralLedger(w io.Writer, g *GeneralLedger) error {
	g.sort()
	for _, t := range g.txns {
		if err := encodeLine(w, t); err != nil {
			return err
		}
	}
	return nil
}

func ReadGeneralLedger(path string) (*GeneralLedger, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewGeneralLedger(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open general ledger: %w", err)
	}
	defer f.Close()
	g, err := DecodeGeneralLedger(f)
	if err != nil {
		return nil, fmt.Errorf("decode general ledger %s: %w", path, err)
	}
	return g, nil
}

func WriteGeneralLedger(path string, g *GeneralLedger) error {
	var buf bytes.Buffer
	if err := EncodeGeneralLedger(&buf, g); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// DecodeProposed reads JSONL proposed transactions.
func DecodeProposed(r io.Reader) ([]ProposedTransaction, error) {
	var out []ProposedTransaction
	err := decodeLines(r, func(line []byte) error {
		var p ProposedTransaction
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func EncodeProposed(w io.Writer, txns []ProposedTransaction) error {
	for _, p := range txns {
		if err := encodeLine(w, p); err != nil {
			return err
		}
	}
	return nil
}

func decodeLines(r io.Reader, fn func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := fn(b); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading from input: %w", err)
	}
	return nil
}

func encodeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
