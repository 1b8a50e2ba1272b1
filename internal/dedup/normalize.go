package dedup

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Normalize canonicalizes a bank description for comparison: upper case,
// punctuation to spaces, collapsed whitespace, then trailing boilerplate
// suffixes and reference-number runs removed until none apply. A description
// is never reduced to nothing.
func Normalize(desc string, suffixes []string) string {
	fields := words(desc)
	sufs := make([][]string, 0, len(suffixes))
	for _, s := range suffixes {
		if w := words(s); len(w) > 0 {
			sufs = append(sufs, w)
		}
	}
	for {
		n := len(fields)
		if n > 1 && isReference(fields[n-1]) {
			fields = fields[:n-1]
			continue
		}
		stripped := false
		for _, suf := range sufs {
			if len(suf) < len(fields) && hasSuffix(fields, suf) {
				fields = fields[:len(fields)-len(suf)]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(fields, " ")
}

func words(s string) []string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return ' '
	}, s)
	return strings.Fields(s)
}

func hasSuffix(fields, suf []string) bool {
	off := len(fields) - len(suf)
	for i, w := range suf {
		if fields[off+i] != w {
			return false
		}
	}
	return true
}

// isReference matches the card/terminal/sequence numbers banks append.
func isReference(w string) bool {
	if len(w) < 3 {
		return false
	}
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Similarity is 1 - levenshtein/maxLen over the normalized descriptions, in
// [0,1]. Two empty descriptions are identical.
func Similarity(a, b string, suffixes []string) float64 {
	na, nb := Normalize(a, suffixes), Normalize(b, suffixes)
	la, lb := utf8.RuneCountInString(na), utf8.RuneCountInString(nb)
	maxLen := max(la, lb)
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(maxLen)
}
