package journal

import (
	"fmt"
	"strings"
)

// Status is the clearing state of a transaction. Values are ordered from
// least to most finalized.
type Status int

const (
	Unmarked Status = iota
	Pending
	Cleared
)

func (s Status) String() string {
	switch s {
	case Unmarked:
		return "unmarked"
	case Pending:
		return "pending"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus accepts the names above as well as the hledger marks "", "!" and "*".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unmarked":
		return Unmarked, nil
	case "!", "pending":
		return Pending, nil
	case "*", "cleared":
		return Cleared, nil
	default:
		return Unmarked, fmt.Errorf("unknown status %q", s)
	}
}

// MoreFinal returns whichever of a and b is further along.
func MoreFinal(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
