package domain

import "github.com/bwmarrin/snowflake"

// OverageBehaviour decides what happens when a deduction exceeds the
// available strict balance.
type OverageBehaviour string

const (
	// OverageCap absorbs unavoidable overage on the last overage-capable
	// grant, or floors the deduction at capacity when none exists. Default.
	OverageCap OverageBehaviour = "cap"
	// OverageReject fails the whole operation with no side effects.
	OverageReject OverageBehaviour = "reject"
)

func (b OverageBehaviour) Valid() bool {
	return b == OverageCap || b == OverageReject
}

// CreditLine names a credit-system feature that also covers a planned
// deduction's primary feature, with the credits charged per primary unit.
type CreditLine struct {
	Feature Feature
	PerUnit float64
}

// Deduction is one planned per-feature deduction: the resolved primary
// feature, the amount in primary-feature units, and the credit systems the
// executor may fall back to.
type Deduction struct {
	Feature Feature
	Amount  float64
	Credits []CreditLine
}

// CreditCostFor returns the per-unit credit cost when featureID is one of
// the deduction's credit systems, or 0.
func (d Deduction) CreditCostFor(featureID snowflake.ID) float64 {
	for _, c := range d.Credits {
		if c.Feature.ID == featureID {
			return c.PerUnit
		}
	}
	return 0
}
