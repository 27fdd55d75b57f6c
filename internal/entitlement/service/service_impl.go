// Package service wires the planner, executor and balance store into the
// engine's inbound operations.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/entitlement/executor"
	"github.com/smallbiznis/ration/internal/entitlement/planner"
	"github.com/smallbiznis/ration/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LedgerStore is the durable side used on cache miss and on the degraded
// write path.
type LedgerStore interface {
	balancestore.LedgerSource
	Commit(ctx context.Context, updates []domain.GrantUpdate) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Planner *planner.Planner
	Store   *balancestore.BalanceStore
	Ledger  LedgerStore
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	planner *planner.Planner
	store   *balancestore.BalanceStore
	ledger  LedgerStore
	clock   clock.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("entitlement.service"),
		planner: p.Planner,
		store:   p.Store,
		ledger:  p.Ledger,
		clock:   p.Clock,
		metrics: p.Metrics,
		tracer:  otel.Tracer("ration/entitlement"),
	}
}

const applyAttempts = 2

// TrackUsage matches a usage event to the customer's grants, deducts from
// them in precedence order, persists the result to the cache atomically and
// enqueues the dirtied grants for ledger sync. A lost optimistic-concurrency
// race is retried once against a reloaded aggregate; losing again degrades
// to a ledger-direct write.
func (s *Service) TrackUsage(ctx context.Context, req domain.TrackUsageRequest) (*domain.TrackUsageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.TrackUsage")
	defer span.End()

	if err := validateIdentity(req.OrgID, req.CustomerID); err != nil {
		return nil, err
	}
	behaviour := req.Overage
	if !behaviour.Valid() {
		behaviour = domain.OverageCap
	}

	resp, err := s.trackAgainstCache(ctx, req, behaviour)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, domain.ErrStaleWrite) || errors.Is(err, domain.ErrNotCached) || errors.Is(err, domain.ErrGuarded) {
		s.log.Warn("cache apply kept losing, degrading to ledger-direct write",
			zap.String("customer_id", req.CustomerID.String()),
			zap.Error(err),
		)
		return s.trackAgainstLedger(ctx, req, behaviour)
	}
	return nil, err
}

func (s *Service) trackAgainstCache(ctx context.Context, req domain.TrackUsageRequest, behaviour domain.OverageBehaviour) (*domain.TrackUsageResponse, error) {
	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		agg, err := s.store.Load(ctx, req.OrgID, req.CustomerID)
		if err != nil {
			return nil, err
		}

		result, deductions, err := s.deduct(ctx, agg, req, behaviour)
		if err != nil {
			s.countErr(err)
			return nil, err
		}

		err = s.store.AtomicApply(ctx, result.Aggregate, result.Updates)
		if err == nil {
			s.countApplied(result, deductions, behaviour)
			return s.respond(result, deductions, req.EntityID), nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrStaleWrite) && !errors.Is(err, domain.ErrNotCached) {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.IncStaleWrite()
		}
		s.log.Debug("stale write, retrying against reloaded aggregate",
			zap.String("customer_id", req.CustomerID.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

// trackAgainstLedger recomputes the deduction against the ledger's copy and
// commits there directly; the cache entry is invalidated so the next load
// refills from the ledger.
func (s *Service) trackAgainstLedger(ctx context.Context, req domain.TrackUsageRequest, behaviour domain.OverageBehaviour) (*domain.TrackUsageResponse, error) {
	agg, err := s.ledger.Load(ctx, req.OrgID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if resets := domain.DueResets(agg, s.clock.Now()); len(resets) > 0 {
		if err := s.ledger.Commit(ctx, resets); err != nil {
			return nil, err
		}
		agg = agg.Apply(resets)
	}

	result, deductions, err := s.deduct(ctx, agg, req, behaviour)
	if err != nil {
		s.countErr(err)
		return nil, err
	}

	if len(result.Updates) > 0 {
		if err := s.ledger.Commit(ctx, result.Updates); err != nil {
			return nil, err
		}
	}
	if err := s.store.Invalidate(ctx, req.OrgID, req.CustomerID); err != nil {
		s.log.Warn("cache invalidation after ledger-direct write failed", zap.Error(err))
	}

	s.count(metrics.DeductionResultDegraded)
	return s.respond(result, deductions, req.EntityID), nil
}

func (s *Service) deduct(ctx context.Context, agg *domain.CustomerAggregate, req domain.TrackUsageRequest, behaviour domain.OverageBehaviour) (executor.Result, []domain.Deduction, error) {
	deductions, err := s.planner.Plan(ctx, agg, req.Feature, planner.TrackOptions{
		Amount:   req.Amount,
		SetUsage: req.SetUsage,
		EntityID: req.EntityID,
	})
	if err != nil {
		return executor.Result{}, nil, err
	}
	result, err := executor.Execute(agg, deductions, behaviour, req.EntityID, s.clock.Now())
	return result, deductions, err
}

// CheckBalance is the read-only variant of the walk: it executes the
// requested amount under reject against a scratch copy and reports whether
// it would have succeeded. Nothing is persisted.
func (s *Service) CheckBalance(ctx context.Context, req domain.CheckBalanceRequest) (*domain.CheckBalanceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.CheckBalance")
	defer span.End()

	if err := validateIdentity(req.OrgID, req.CustomerID); err != nil {
		return nil, err
	}

	agg, err := s.store.Load(ctx, req.OrgID, req.CustomerID)
	if err != nil {
		return nil, err
	}

	deductions, err := s.planner.Plan(ctx, agg, req.Feature, planner.TrackOptions{
		Amount:   req.Required,
		EntityID: req.EntityID,
	})
	if err != nil {
		return nil, err
	}

	resp := &domain.CheckBalanceResponse{Required: req.Required}
	result, err := executor.Execute(agg, deductions, domain.OverageReject, req.EntityID, s.clock.Now())
	switch {
	case err == nil:
		resp.Allowed = true
	case errors.Is(err, domain.ErrInsufficientBalance):
		resp.Allowed = false
	default:
		return nil, err
	}
	if deductions[0].Feature.Type == domain.FeatureTypeBoolean {
		resp.Allowed = result.Allowed
	}

	resp.Balance = summarize(agg, deductions[0], req.EntityID, s.clock.Now(), resp.Allowed).Balance
	return resp, nil
}

// UpdateGrantedBalance moves the feature's primary grant to the target
// granted total by writing the administrative fields directly; the deduction
// walk is never involved.
func (s *Service) UpdateGrantedBalance(ctx context.Context, req domain.UpdateGrantedBalanceRequest) (*domain.TrackUsageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.UpdateGrantedBalance")
	defer span.End()

	if err := validateIdentity(req.OrgID, req.CustomerID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		agg, err := s.store.Load(ctx, req.OrgID, req.CustomerID)
		if err != nil {
			return nil, err
		}

		update, next, d, err := s.planGrantedUpdate(ctx, agg, req)
		if err != nil {
			return nil, err
		}
		if update == nil {
			return summarize(next, d, req.EntityID, s.clock.Now(), true), nil
		}

		err = s.store.AtomicApply(ctx, next, []domain.GrantUpdate{*update})
		if err == nil {
			return summarize(next, d, req.EntityID, s.clock.Now(), true), nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrStaleWrite) && !errors.Is(err, domain.ErrNotCached) {
			break
		}
		if s.metrics != nil {
			s.metrics.IncStaleWrite()
		}
	}

	if !errors.Is(lastErr, domain.ErrStaleWrite) && !errors.Is(lastErr, domain.ErrNotCached) && !errors.Is(lastErr, domain.ErrGuarded) {
		return nil, lastErr
	}

	// Degraded: write the administrative fields straight to the ledger.
	agg, err := s.ledger.Load(ctx, req.OrgID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	update, next, d, err := s.planGrantedUpdate(ctx, agg, req)
	if err != nil {
		return nil, err
	}
	if update != nil {
		if err := s.ledger.Commit(ctx, []domain.GrantUpdate{*update}); err != nil {
			return nil, err
		}
		if err := s.store.Invalidate(ctx, req.OrgID, req.CustomerID); err != nil {
			s.log.Warn("cache invalidation after ledger-direct write failed", zap.Error(err))
		}
	}
	return summarize(next, d, req.EntityID, s.clock.Now(), true), nil
}

// planGrantedUpdate picks the feature's primary grant and produces the
// update moving its granted total to the target. The delta lands on
// AdditionalGrantedBalance (or the entity's Adjustment) and Balance, so
// usage already recorded this interval is preserved.
func (s *Service) planGrantedUpdate(
	ctx context.Context,
	agg *domain.CustomerAggregate,
	req domain.UpdateGrantedBalanceRequest,
) (*domain.GrantUpdate, *domain.CustomerAggregate, domain.Deduction, error) {

	deductions, err := s.planner.Plan(ctx, agg, req.Feature, planner.TrackOptions{EntityID: req.EntityID})
	if err != nil {
		return nil, nil, domain.Deduction{}, err
	}
	d := deductions[0]

	target := primaryGrant(agg, d.Feature.ID, req.EntityID)
	if target == nil {
		if req.EntityID != "" {
			return nil, nil, domain.Deduction{}, domain.ErrInvalidEntity
		}
		return nil, nil, domain.Deduction{}, domain.ErrFeatureNotFound
	}

	g := target.Clone()
	if req.EntityID != "" && g.EntityScoped() {
		eb := g.Entities[req.EntityID]
		delta := req.TargetGranted - (g.Allowance + eb.Adjustment)
		if delta == 0 {
			return nil, agg, d, nil
		}
		eb.Adjustment += delta
		eb.Balance += delta
	} else {
		delta := req.TargetGranted - (g.Allowance + g.AdditionalGrantedBalance + g.Adjustment)
		if delta == 0 {
			return nil, agg, d, nil
		}
		g.AdditionalGrantedBalance += delta
		g.Balance += delta
	}

	update := domain.UpdateFor(g, target.NextResetAt)
	return &update, agg.Apply([]domain.GrantUpdate{update}), d, nil
}

// primaryGrant is the first own-feature grant in ledger order, preferring
// one that carries the addressed entity when the request is entity-scoped.
func primaryGrant(agg *domain.CustomerAggregate, featureID snowflake.ID, entityID string) *domain.Grant {
	for i := range agg.Grants {
		g := &agg.Grants[i]
		if g.FeatureID != featureID {
			continue
		}
		if entityID != "" {
			if !g.EntityScoped() {
				continue
			}
			if _, ok := g.Entities[entityID]; !ok {
				continue
			}
		}
		return g
	}
	return nil
}

func (s *Service) respond(result executor.Result, deductions []domain.Deduction, entityID string) *domain.TrackUsageResponse {
	allowed := result.Allowed
	if deductions[0].Feature.Type != domain.FeatureTypeBoolean {
		allowed = true
	}
	return summarize(result.Aggregate, deductions[0], entityID, s.clock.Now(), allowed)
}

// summarize reports the feature's post-mutation view: total granted for the
// interval, remaining balance and derived usage, in units of the primary
// feature (credit-system grants contribute at their conversion rate). A
// customer-level request against entity-scoped grants also carries the
// per-entity breakdown.
func summarize(agg *domain.CustomerAggregate, d domain.Deduction, entityID string, now time.Time, allowed bool) *domain.TrackUsageResponse {
	resp := &domain.TrackUsageResponse{Allowed: allowed}
	for _, g := range agg.Grants {
		per := 1.0
		if g.FeatureID != d.Feature.ID {
			per = d.CreditCostFor(g.FeatureID)
		}
		if per <= 0 || g.FeatureType == domain.FeatureTypeBoolean || g.Unlimited {
			continue
		}

		if g.EntityScoped() && entityID == "" {
			resp.Granted += g.Included(now, "") / per
			resp.Balance += g.CurrentBalance("") / per
			if resp.Entities == nil {
				resp.Entities = make(map[string]domain.EntityUsage)
			}
			for id := range g.Entities {
				eu := resp.Entities[id]
				included := g.Included(now, id) / per
				balance := g.CurrentBalance(id) / per
				eu.Balance += balance
				eu.Usage += included - balance
				resp.Entities[id] = eu
			}
			continue
		}
		if g.EntityScoped() {
			if _, ok := g.Entities[entityID]; !ok {
				continue
			}
		}
		resp.Granted += g.Included(now, entityID) / per
		resp.Balance += g.CurrentBalance(entityID) / per
	}
	resp.Usage = resp.Granted - resp.Balance
	return resp
}

func (s *Service) countApplied(result executor.Result, deductions []domain.Deduction, behaviour domain.OverageBehaviour) {
	requested := 0.0
	for _, d := range deductions {
		if d.Amount > 0 {
			requested += d.Amount
		}
	}
	if behaviour == domain.OverageCap && requested > 0 && result.Applied < requested-1e-9 {
		s.count(metrics.DeductionResultCapped)
		return
	}
	s.count(metrics.DeductionResultApplied)
}

func (s *Service) countErr(err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		s.count(metrics.DeductionResultRejected)
	case errors.Is(err, domain.ErrFeatureNotFound):
		s.count(metrics.DeductionResultFeatureMiss)
	default:
		s.count(metrics.DeductionResultInternalFail)
	}
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.IncDeduction(result)
	}
}

func validateIdentity(orgID, customerID snowflake.ID) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	if customerID == 0 {
		return domain.ErrInvalidCustomer
	}
	return nil
}
