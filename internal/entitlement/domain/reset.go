package domain

import "time"

// DueResets walks the aggregate and produces a GrantUpdate for every grant
// whose reset is due at now. Resets are lazy: they are computed on the next
// access instead of by a scheduler. Each update's precondition is the old
// next_reset_at so a concurrent reset of the same grant loses cleanly.
func DueResets(agg *CustomerAggregate, now time.Time) []GrantUpdate {
	var updates []GrantUpdate
	for _, g := range agg.Grants {
		if g.NextResetAt == nil || g.NextResetAt.After(now) {
			continue
		}
		updates = append(updates, resetGrant(g, now))
	}
	return updates
}

func resetGrant(g Grant, now time.Time) GrantUpdate {
	expected := g.NextResetAt
	fresh := g.Clone()

	fresh.Rollovers = carryRollover(fresh, now)
	fresh.Balance = fresh.Allowance + fresh.RolloverTotal(now)
	fresh.AdditionalBalance = 0
	// Administrative top-ups and adjustments are interval-scoped; a reset
	// returns the granted total to the plan allowance.
	fresh.AdditionalGrantedBalance = 0
	fresh.Adjustment = 0

	if fresh.EntityScoped() {
		for _, eb := range fresh.Entities {
			eb.Balance = fresh.Allowance
			eb.AdditionalBalance = 0
			eb.Adjustment = 0
		}
	}

	next := *g.NextResetAt
	for !next.After(now) {
		next = g.Interval.Next(next, g.IntervalCount)
	}
	fresh.NextResetAt = &next

	return UpdateFor(fresh, expected)
}

// carryRollover drops expired rollovers and, when rollover is configured,
// carries the unused balance of the closing interval forward subject to the
// configured cap and expiry window. Returns nil, never an empty slice, when
// nothing carries: the cache codec treats the two differently.
func carryRollover(g Grant, now time.Time) []Rollover {
	if g.Rollover == nil {
		return nil
	}

	var kept []Rollover
	total := 0.0
	for _, r := range g.Rollovers {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		kept = append(kept, r)
		total += r.Amount
	}

	unused := g.Balance
	if unused <= 0 {
		return kept
	}
	if g.Rollover.Max > 0 && total+unused > g.Rollover.Max {
		unused = g.Rollover.Max - total
	}
	if unused <= 0 {
		return kept
	}

	entry := Rollover{Amount: unused}
	if g.Rollover.ExpiryDays > 0 {
		exp := now.AddDate(0, 0, g.Rollover.ExpiryDays)
		entry.ExpiresAt = &exp
	}
	return append(kept, entry)
}
