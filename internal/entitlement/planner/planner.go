// Package planner resolves a usage event onto the feature(s) it consumes
// and produces the ordered per-feature deductions the executor applies.
package planner

import (
	"context"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/feature"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Catalog feature.Catalog
	Clock   clock.Clock
}

type Planner struct {
	log     *zap.Logger
	catalog feature.Catalog
	clock   clock.Clock
}

func New(p Params) *Planner {
	return &Planner{
		log:     p.Log.Named("entitlement.planner"),
		catalog: p.Catalog,
		clock:   p.Clock,
	}
}

// TrackOptions carries the request shape: either a relative Amount or an
// absolute SetUsage target, optionally scoped to one entity.
type TrackOptions struct {
	Amount   float64
	SetUsage *float64
	EntityID string
}

// Plan resolves featureOrEvent (feature code first, then event-name
// mapping) against the aggregate and returns the deductions to execute.
// Returns ErrFeatureNotFound when no grant anywhere matches.
func (p *Planner) Plan(
	ctx context.Context,
	agg *domain.CustomerAggregate,
	featureOrEvent string,
	opts TrackOptions,
) ([]domain.Deduction, error) {

	primary, err := p.resolveFeature(ctx, featureOrEvent, agg)
	if err != nil {
		return nil, err
	}

	credits, err := p.catalog.CreditSystemsFor(ctx, agg.OrgID, primary.ID)
	if err != nil {
		return nil, err
	}

	deduction := domain.Deduction{Feature: *primary}
	for _, cf := range credits {
		deduction.Credits = append(deduction.Credits, domain.CreditLine{
			Feature: cf,
			PerUnit: cf.CreditCost(primary.ID),
		})
	}

	if !p.anyGrantMatches(agg, deduction) {
		return nil, domain.ErrFeatureNotFound
	}

	// Boolean features never yield a numeric deduction; the executor only
	// checks presence.
	if primary.Type == domain.FeatureTypeBoolean {
		return []domain.Deduction{deduction}, nil
	}

	if opts.SetUsage != nil {
		deduction.Amount = p.setUsageDelta(agg, primary.ID, *opts.SetUsage, opts.EntityID)
	} else {
		deduction.Amount = opts.Amount
	}

	if math.IsNaN(deduction.Amount) || math.IsInf(deduction.Amount, 0) {
		return nil, domain.ErrInvalidAmount
	}

	// A met set-usage target plans a zero deduction; callers skip it.
	return []domain.Deduction{deduction}, nil
}

func (p *Planner) resolveFeature(
	ctx context.Context,
	featureOrEvent string,
	agg *domain.CustomerAggregate,
) (*domain.Feature, error) {
	name := strings.TrimSpace(featureOrEvent)
	if name == "" {
		return nil, domain.ErrFeatureNotFound
	}

	f, err := p.catalog.FindByCode(ctx, agg.OrgID, name)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f, err = p.catalog.FindByEventName(ctx, agg.OrgID, name)
		if err != nil {
			return nil, err
		}
	}
	if f == nil {
		return nil, domain.ErrFeatureNotFound
	}
	return f, nil
}

func (p *Planner) anyGrantMatches(agg *domain.CustomerAggregate, d domain.Deduction) bool {
	for _, g := range agg.Grants {
		if g.FeatureID == d.Feature.ID || d.CreditCostFor(g.FeatureID) > 0 {
			return true
		}
	}
	return false
}

// setUsageDelta turns an absolute usage target into a relative deduction:
// totalAllowance - target is the balance the grants should land on, and the
// distance from the current balance is what the executor moves. Supports
// decreasing previously-recorded usage (negative delta).
func (p *Planner) setUsageDelta(
	agg *domain.CustomerAggregate,
	featureID snowflake.ID,
	target float64,
	entityID string,
) float64 {
	now := p.clock.Now()

	var totalAllowance, currentBalance float64
	for _, g := range agg.Grants {
		if g.FeatureID != featureID {
			continue
		}
		totalAllowance += g.Included(now, entityID)
		currentBalance += g.CurrentBalance(entityID)
	}

	targetBalance := totalAllowance - target
	return currentBalance - targetBalance
}
