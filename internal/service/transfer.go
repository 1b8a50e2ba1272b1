package service

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/journal"
)

// TagTransfer lets the operator override the classifier on one entry:
// "yes" forces transfer handling, "no" excludes the entry.
const TagTransfer = "transfer"

// TransferPolicy flags inter-account transfers by description.
type TransferPolicy struct {
	Keywords   []string
	WindowDays int
}

// IsTransfer applies transfer precedence: an explicit entry tag first, then
// keyword markers in the normalized description.
func (p TransferPolicy) IsTransfer(e *journal.Entry) bool {
	if v, ok := e.Tags.Get(TagTransfer); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "no", "false", "0":
			return false
		default:
			return true
		}
	}
	return p.MatchesDescription(e.Description)
}

// MatchesDescription reports whether desc carries a transfer keyword as a
// whole-word sequence.
func (p TransferPolicy) MatchesDescription(desc string) bool {
	words := " " + dedup.Normalize(desc, nil) + " "
	for _, k := range p.Keywords {
		kw := dedup.Normalize(k, nil)
		if kw != "" && strings.Contains(words, " "+kw+" ") {
			return true
		}
	}
	return false
}

// TransferSide names one entry posting taking part in a transfer.
type TransferSide struct {
	Account      journal.AccountKey
	EntryID      string
	PostingIndex *int
}

// TransferSuggestion is a candidate pair for ReconcileTransfer.
type TransferSuggestion struct {
	From, To TransferSide
	Amount   decimal.Decimal
	Days     int
}

type transferCandidate struct {
	side   TransferSide
	date   journal.Date
	amount decimal.Decimal // the unreconciled posting amount
}

// pairTransfers greedily pairs candidates from different accounts whose
// unreconciled postings cancel out, closest dates first.
func pairTransfers(cands []transferCandidate, window int) []TransferSuggestion {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].date.Before(cands[j].date) })
	type pair struct {
		i, j, days int
	}
	var pairs []pair
	for i := range cands {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			if a.side.Account == b.side.Account || a.amount.IsZero() || !a.amount.Add(b.amount).IsZero() {
				continue
			}
			if days := journal.DaysBetween(a.date, b.date); days <= window {
				pairs = append(pairs, pair{i, j, days})
			}
		}
	}
	sort.SliceStable(pairs, func(x, y int) bool { return pairs[x].days < pairs[y].days })

	used := map[int]bool{}
	var out []TransferSuggestion
	for _, p := range pairs {
		if used[p.i] || used[p.j] {
			continue
		}
		used[p.i], used[p.j] = true, true
		from, to := cands[p.i], cands[p.j]
		// From is the side money left: its real posting is negative.
		if from.amount.IsNegative() {
			from, to = to, from
		}
		out = append(out, TransferSuggestion{From: from.side, To: to.side, Amount: from.amount.Abs(), Days: p.days})
	}
	return out
}
