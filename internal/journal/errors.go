package journal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an entry or GL transaction does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a single malformed proposed transaction. The rest
// of the batch is still processed.
type ValidationError struct {
	Index    int
	Evidence string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Evidence != "" {
		return fmt.Sprintf("proposed transaction %d (%s): %s", e.Index, e.Evidence, e.Reason)
	}
	return fmt.Sprintf("proposed transaction %d: %s", e.Index, e.Reason)
}

// ConflictError refuses an operation before anything is written. Resource
// names what the operator has to look at.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s %s", e.Resource, e.Reason) }

// AmbiguousMatchError reports a proposed transaction that matched more than
// one existing entry. It waits on a dedup override; it is not a failure.
type AmbiguousMatchError struct {
	Fingerprint string
	Evidence    []string
	Candidates  []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match for %s: candidates %s",
		strings.Join(e.Evidence, " "), strings.Join(e.Candidates, ", "))
}
