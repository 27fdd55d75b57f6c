package executor

import (
	"sort"

	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

// orderGrants sorts the grants eligible for one deduction into the
// deterministic precedence the allocation walk follows. The sort is stable
// and each rule only applies when every earlier rule ties:
//
//  1. boolean grants first (presence check only)
//  2. the feature's own grants before credit-system grants
//  3. unlimited grants first
//  4. strict grants (usage_allowed=false) before overage-capable ones
//  5. reset-bound grants before perpetual ones (invertible per org)
//  6. among reset-bound grants, smaller interval first (same flag)
//  7. main-plan grants before add-on grants
//  8. ascending created_at
func orderGrants(grants []domain.Grant, d domain.Deduction, order domain.ResetOrder) []domain.Grant {
	out := make([]domain.Grant, len(grants))
	copy(out, grants)

	perpetualFirst := order == domain.ResetOrderPerpetualFirst

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		if ab, bb := a.FeatureType == domain.FeatureTypeBoolean, b.FeatureType == domain.FeatureTypeBoolean; ab != bb {
			return ab
		}

		if ac, bc := a.FeatureID != d.Feature.ID, b.FeatureID != d.Feature.ID; ac != bc {
			return bc
		}

		if a.Unlimited != b.Unlimited {
			return a.Unlimited
		}

		if a.UsageAllowed != b.UsageAllowed {
			return b.UsageAllowed
		}

		if ar, br := a.NextResetAt != nil, b.NextResetAt != nil; ar != br {
			if perpetualFirst {
				return br
			}
			return ar
		}

		if a.NextResetAt != nil && b.NextResetAt != nil {
			am := a.Interval.Magnitude() * intervalCount(a)
			bm := b.Interval.Magnitude() * intervalCount(b)
			if am != bm {
				if perpetualFirst {
					return am > bm
				}
				return am < bm
			}
		}

		if a.AddOn != b.AddOn {
			return b.AddOn
		}

		return a.CreatedAt.Before(b.CreatedAt)
	})

	return out
}

func intervalCount(g domain.Grant) int {
	if g.IntervalCount <= 0 {
		return 1
	}
	return g.IntervalCount
}
