package oplog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jask/jaskledger/internal/journal"
)

// Record is an operation with its position and timestamp.
type Record struct {
	Seq int // 0-based line order in the log
	At  time.Time
	Op  Op
}

type envelope struct {
	Op Kind      `json:"op"`
	At time.Time `json:"at"`
}

// Log is one operations.jsonl file.
type Log struct {
	path  string
	scope Scope
	now   func() time.Time
}

// Open returns the log at path. The file is created on first append.
func Open(path string, scope Scope) *Log {
	return &Log{path: path, scope: scope, now: time.Now}
}

// WithClock replaces the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) Path() string { return l.path }

// Append writes ops in one write call and syncs the file.
func (l *Log) Append(ops ...Op) ([]Record, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	recs := make([]Record, 0, len(ops))
	for _, op := range ops {
		if op.Kind().Scope() != l.scope {
			return nil, fmt.Errorf("operation %s does not belong in %s", op.Kind(), l.path)
		}
		rec := Record{At: l.now().UTC(), Op: op}
		line, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		recs = append(recs, rec)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open operations log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("append operations: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync operations: %w", err)
	}
	return recs, nil
}

// Read returns every record in append order. A missing file is an empty log.
func (l *Log) Read() ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open operations log: %w", err)
	}
	defer f.Close()
	recs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	return recs, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	head, err := json.Marshal(envelope{Op: rec.Op.Kind(), At: rec.At})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rec.Op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.Op.Kind(), err)
	}
	if len(body) <= 2 {
		return head, nil
	}
	// {"op":..,"at":..} + {fields} -> {"op":..,"at":..,fields}
	out := append(head[:len(head)-1], ',')
	return append(out, body[1:]...), nil
}

// Decode reads JSONL records. Unknown kinds are an error: the union is closed.
func Decode(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading from input: %w", err)
	}
	var out []Record
	for n, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		op, err := decodeOp(env.Op, line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		out = append(out, Record{Seq: len(out), At: env.At, Op: op})
	}
	return out, nil
}

func decodeOp(kind Kind, line []byte) (Op, error) {
	switch kind {
	case KindEntryCreated:
		return decodeAs[EntryCreated](line)
	case KindManualAdd:
		return decodeAs[ManualAdd](line)
	case KindDedupOverride:
		return decodeAs[DedupOverride](line)
	case KindRemoveScrape:
		return decodeAs[RemoveScrape](line)
	case KindReconcile:
		return decodeAs[Reconcile](line)
	case KindUndoReconcile:
		return decodeAs[UndoReconcile](line)
	case KindTransferMatch:
		return decodeAs[TransferMatch](line)
	case KindReconfirm:
		return decodeAs[Reconfirm](line)
	case KindSetGLMapping:
		return decodeAs[SetGLMapping](line)
	default:
		return nil, fmt.Errorf("unknown operation %q", kind)
	}
}

func decodeAs[T Op](line []byte) (Op, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Ops returns the operations of type T in log order.
func Ops[T Op](recs []Record) []T {
	var out []T
	for _, r := range recs {
		if v, ok := r.Op.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// RecordsOf returns the records whose operation has kind k.
func RecordsOf(recs []Record, k Kind) []Record {
	var out []Record
	for _, r := range recs {
		if r.Op.Kind() == k {
			out = append(out, r)
		}
	}
	return out
}

// Overrides indexes dedup overrides by proposed-transaction fingerprint.
func Overrides(recs []Record) map[string][]DedupOverride {
	out := map[string][]DedupOverride{}
	for _, o := range Ops[DedupOverride](recs) {
		out[o.Fingerprint] = append(out[o.Fingerprint], o)
	}
	return out
}

// RemovedSessions returns the scrape sessions withdrawn by remove-scrape.
func RemovedSessions(recs []Record) map[string]bool {
	out := map[string]bool{}
	for _, o := range Ops[RemoveScrape](recs) {
		out[o.ScrapeSessionID] = true
	}
	return out
}

// Fingerprint is the content recorded for an entry creation.
func (e EntryCreated) Fingerprint() string {
	p := journal.ProposedTransaction{Date: e.Date, Amount: e.Amount}
	for _, ref := range e.Evidence {
		p.Tags.Add(journal.TagEvidence, ref)
	}
	if e.BankID != "" {
		p.Tags.Add(journal.TagBankID, e.BankID)
	}
	return p.Fingerprint()
}
