package journal

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// EvidenceKind distinguishes row-addressed from region-addressed evidence.
type EvidenceKind int

const (
	CSVEvidence EvidenceKind = iota
	PDFEvidence
)

// Evidence is a parsed evidence reference.
type Evidence struct {
	Document string
	Kind     EvidenceKind
	Line     int // CSV: 1-indexed data row
	Col      int
	Page     int       // PDF
	Rect     [4]string // PDF: left, top, width, height
}

// CSVRef formats <document>:<line>:<col>.
func CSVRef(doc string, line, col int) string {
	return fmt.Sprintf("%s:%d:%d", doc, line, col)
}

// PDFRef formats <document>#page=<n>&viewrect=<l>%2C<t>%2C<w>%2C<h>. Commas are
// percent-encoded because tag values may not contain them.
func PDFRef(doc string, page int, left, top, width, height float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%s#page=%d&viewrect=%s%%2C%s%%2C%s%%2C%s", doc, page, f(left), f(top), f(width), f(height))
}

// ParseEvidence parses either reference form.
func ParseEvidence(ref string) (Evidence, error) {
	if ref == "" {
		return Evidence{}, fmt.Errorf("empty evidence reference")
	}
	if doc, frag, ok := strings.Cut(ref, "#"); ok {
		if doc == "" {
			return Evidence{}, fmt.Errorf("evidence %q: missing document", ref)
		}
		q, err := url.ParseQuery(frag)
		if err != nil {
			return Evidence{}, fmt.Errorf("evidence %q: %w", ref, err)
		}
		page, err := strconv.Atoi(q.Get("page"))
		if err != nil || page < 1 {
			return Evidence{}, fmt.Errorf("evidence %q: bad page", ref)
		}
		ev := Evidence{Document: doc, Kind: PDFEvidence, Page: page}
		if vr := q.Get("viewrect"); vr != "" {
			parts := strings.Split(vr, ",")
			if len(parts) != 4 {
				return Evidence{}, fmt.Errorf("evidence %q: viewrect needs 4 values", ref)
			}
			copy(ev.Rect[:], parts)
		}
		return ev, nil
	}

	last := strings.LastIndex(ref, ":")
	if last <= 0 {
		return Evidence{}, fmt.Errorf("evidence %q: expected <document>:<line>:<col>", ref)
	}
	mid := strings.LastIndex(ref[:last], ":")
	if mid <= 0 {
		return Evidence{}, fmt.Errorf("evidence %q: expected <document>:<line>:<col>", ref)
	}
	line, err := strconv.Atoi(ref[mid+1 : last])
	if err != nil || line < 1 {
		return Evidence{}, fmt.Errorf("evidence %q: bad line", ref)
	}
	col, err := strconv.Atoi(ref[last+1:])
	if err != nil || col < 1 {
		return Evidence{}, fmt.Errorf("evidence %q: bad column", ref)
	}
	return Evidence{Document: ref[:mid], Kind: CSVEvidence, Line: line, Col: col}, nil
}

// EvidenceDocument returns the document part of ref, or "" when ref is malformed.
func EvidenceDocument(ref string) string {
	ev, err := ParseEvidence(ref)
	if err != nil {
		return ""
	}
	return ev.Document
}
