// Package dedup maps proposed transactions from one document onto the
// existing entries of an account journal.
package dedup

import (
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/journal"
)

// Policy holds the tunable matching parameters.
type Policy struct {
	// DateWindowDays bounds fuzzy matches (±days).
	DateWindowDays int
	// PendingWindowDays bounds pending→finalized upgrades (±days) and is the
	// age a pending entry must reach inside a coverage window before it is
	// closed with noFinalTransaction.
	PendingWindowDays int
	// AmountTolerance and AmountTolerancePercent form the upgrade band; the
	// wider of the two applies.
	AmountTolerance        decimal.Decimal
	AmountTolerancePercent float64
	// SimilarityThreshold is the minimum normalized description similarity
	// for a fuzzy match.
	SimilarityThreshold float64
	BoilerplateSuffixes []string
}

func DefaultPolicy() Policy {
	return Policy{
		DateWindowDays:      1,
		PendingWindowDays:   7,
		AmountTolerance:     decimal.Zero,
		SimilarityThreshold: 0.6,
		BoilerplateSuffixes: []string{"PENDING", "POS PURCHASE", "CARD PURCHASE", "DEBIT CARD", "ONLINE PAYMENT"},
	}
}

// WithinTolerance reports whether got is inside the upgrade band around want.
// Amounts of opposite sign never match.
func (p Policy) WithinTolerance(want, got decimal.Decimal) bool {
	if want.Sign()*got.Sign() < 0 {
		return false
	}
	band := p.AmountTolerance
	if p.AmountTolerancePercent > 0 {
		pct := want.Abs().Mul(decimal.NewFromFloat(p.AmountTolerancePercent)).Div(decimal.NewFromInt(100))
		if pct.GreaterThan(band) {
			band = pct
		}
	}
	return want.Sub(got).Abs().LessThanOrEqual(band)
}

func (p Policy) withinDays(a, b journal.Date, days int) bool {
	return journal.DaysBetween(a, b) <= days
}
