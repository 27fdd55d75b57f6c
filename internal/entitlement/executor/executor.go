// Package executor applies planned deductions to a customer aggregate: it
// walks the eligible grants in precedence order, splits the deduction
// across them under the overage policy, and emits absolute GrantUpdate
// records. The executor is pure; it performs no I/O and never mutates its
// input aggregate.
package executor

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

// Result is the outcome of executing one batch of deductions.
type Result struct {
	// Aggregate is the new aggregate value after applying every update.
	Aggregate *domain.CustomerAggregate
	// Updates are the per-grant deltas to persist, all-or-nothing.
	Updates []domain.GrantUpdate
	// Applied is the portion of the requested deduction that changed
	// balances; under cap with no overage-capable grant it floors at the
	// available capacity.
	Applied float64
	// Allowed reports the boolean-feature presence check.
	Allowed bool
}

// Execute walks the sorted eligible grants for each deduction and splits
// it across them. Under OverageReject a remainder aborts the whole batch
// with ErrInsufficientBalance and no grant is mutated.
func Execute(
	agg *domain.CustomerAggregate,
	deductions []domain.Deduction,
	behaviour domain.OverageBehaviour,
	entityID string,
	now time.Time,
) (Result, error) {

	if !behaviour.Valid() {
		behaviour = domain.OverageCap
	}

	work := agg.Clone()
	res := Result{}
	touched := map[snowflake.ID]*time.Time{}

	for _, d := range deductions {
		eligible := eligibleGrants(work, d, entityID)
		if len(eligible) == 0 {
			return Result{}, domain.ErrFeatureNotFound
		}

		ordered := orderGrants(eligible, d, work.Settings.ResetOrder)

		if d.Feature.Type == domain.FeatureTypeBoolean {
			res.Allowed = true
			continue
		}

		if d.Amount == 0 {
			continue
		}
		if d.Amount < 0 {
			applied := refund(work, ordered, d, -d.Amount, entityID, now, touched)
			res.Applied -= applied
			continue
		}

		remaining := d.Amount
		var lastNumeric *domain.Grant

		for i := range ordered {
			g := work.Grant(ordered[i].ID)
			if g.FeatureType == domain.FeatureTypeBoolean {
				continue
			}
			if g.Unlimited {
				// An unlimited grant absorbs the rest with no numeric
				// effect and short-circuits the walk.
				remaining = 0
				break
			}
			lastNumeric = g

			per := perUnit(*g, d)
			need := remaining * per

			bal := balanceOf(g, entityID)
			if bal <= 0 {
				continue
			}
			absorb := need
			if absorb > bal {
				absorb = bal
			}
			deductFrom(g, entityID, absorb, 0)
			markTouched(touched, *g)
			remaining -= absorb / per
			if remaining <= epsilon {
				remaining = 0
				break
			}
		}

		if remaining > 0 {
			switch behaviour {
			case domain.OverageReject:
				return Result{}, domain.ErrInsufficientBalance
			default:
				// Overage lands on the last walked grant when it tolerates
				// it; otherwise the deduction floors at capacity.
				if lastNumeric != nil && lastNumeric.UsageAllowed {
					per := perUnit(*lastNumeric, d)
					deductFrom(lastNumeric, entityID, 0, remaining*per)
					markTouched(touched, *lastNumeric)
					remaining = 0
				}
			}
		}

		res.Applied += d.Amount - remaining
	}

	res.Aggregate = work
	res.Updates = buildUpdates(work, touched)
	return res, nil
}

const epsilon = 1e-9

func eligibleGrants(agg *domain.CustomerAggregate, d domain.Deduction, entityID string) []domain.Grant {
	var out []domain.Grant
	for _, g := range agg.Grants {
		if g.FeatureID != d.Feature.ID && d.CreditCostFor(g.FeatureID) <= 0 {
			continue
		}
		if g.EntityScoped() {
			if entityID == "" {
				// A customer-level request only reads entity-scoped grants;
				// it never spends from them.
				continue
			}
			if _, ok := g.Entities[entityID]; !ok {
				continue
			}
		}
		out = append(out, g)
	}
	return out
}

// perUnit is the grant-local cost of one primary-feature unit: 1 for the
// feature's own grants, the credit multiplier for credit-system grants.
func perUnit(g domain.Grant, d domain.Deduction) float64 {
	if g.FeatureID == d.Feature.ID {
		return 1
	}
	return d.CreditCostFor(g.FeatureID)
}

func balanceOf(g *domain.Grant, entityID string) float64 {
	if g.EntityScoped() {
		return g.Entities[entityID].Balance
	}
	return g.Balance
}

// deductFrom lowers the grant's balance by fromBalance and pushes overage
// further into AdditionalBalance. Entity-scoped grants spend only the
// addressed entity's slice; an entity can never spend another entity's
// balance.
func deductFrom(g *domain.Grant, entityID string, fromBalance, overage float64) {
	if g.EntityScoped() {
		eb := g.Entities[entityID]
		eb.Balance -= fromBalance
		eb.AdditionalBalance -= overage
		return
	}
	g.Balance -= fromBalance
	g.AdditionalBalance -= overage
}

// refund walks the ordered grants in reverse and returns balance: overage
// debt (negative AdditionalBalance) is repaid first, then Balance refills
// up to the grant's included amount. Used by set-usage corrections that
// lower previously-recorded usage.
func refund(
	agg *domain.CustomerAggregate,
	ordered []domain.Grant,
	d domain.Deduction,
	amount float64,
	entityID string,
	now time.Time,
	touched map[snowflake.ID]*time.Time,
) float64 {

	applied := 0.0
	for i := len(ordered) - 1; i >= 0 && amount > epsilon; i-- {
		g := agg.Grant(ordered[i].ID)
		if g.FeatureType == domain.FeatureTypeBoolean || g.Unlimited {
			continue
		}
		// Refunds only target the feature's own grants; credits stay spent.
		if g.FeatureID != d.Feature.ID {
			continue
		}

		var repaid float64
		if g.EntityScoped() {
			eb := g.Entities[entityID]
			repaid = repay(&eb.Balance, &eb.AdditionalBalance, g.Allowance+eb.Adjustment, amount)
		} else {
			included := g.Allowance + g.RolloverTotal(now) + g.AdditionalGrantedBalance + g.Adjustment
			repaid = repay(&g.Balance, &g.AdditionalBalance, included, amount)
		}
		amount -= repaid
		applied += repaid
		if repaid > 0 {
			markTouched(touched, *g)
		}
	}
	return applied
}

func repay(balance, additional *float64, includedCap, amount float64) float64 {
	repaid := 0.0
	if *additional < 0 {
		debt := -*additional
		if debt > amount {
			debt = amount
		}
		*additional += debt
		amount -= debt
		repaid += debt
	}
	if amount > 0 && *balance < includedCap {
		headroom := includedCap - *balance
		if headroom > amount {
			headroom = amount
		}
		*balance += headroom
		repaid += headroom
	}
	return repaid
}

func markTouched(touched map[snowflake.ID]*time.Time, g domain.Grant) {
	if _, ok := touched[g.ID]; ok {
		return
	}
	touched[g.ID] = g.NextResetAt
}

func buildUpdates(agg *domain.CustomerAggregate, touched map[snowflake.ID]*time.Time) []domain.GrantUpdate {
	if len(touched) == 0 {
		return nil
	}
	updates := make([]domain.GrantUpdate, 0, len(touched))
	for i := range agg.Grants {
		expected, ok := touched[agg.Grants[i].ID]
		if !ok {
			continue
		}
		updates = append(updates, domain.UpdateFor(agg.Grants[i], expected))
	}
	return updates
}
