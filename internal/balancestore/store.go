// Package balancestore holds the cache-aside layer for customer
// aggregates: a transactional cache with an optimistic-concurrency
// compare-and-apply primitive, a delete-guard against resurrection races,
// and lazy interval resets applied on load.
package balancestore

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cache is the transactional store behind the BalanceStore. The one
// multi-field mutation, CompareAndApply, checks every update's
// expected_next_reset_at against the cached grant and rejects the whole
// batch on any mismatch, an active delete guard, or a missing entry.
type Cache interface {
	Get(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error)
	Put(ctx context.Context, agg *domain.CustomerAggregate) error
	CompareAndApply(ctx context.Context, orgID, customerID snowflake.ID, updates []domain.GrantUpdate) error
	// Invalidate sets a short-lived guard per customer before removal so an
	// in-flight stale apply cannot resurrect a deleted entry. Customers are
	// grouped per org so every key hashes to the same partition.
	Invalidate(ctx context.Context, orgID snowflake.ID, customerIDs []snowflake.ID) error
}

// LedgerSource is the durable source of truth read on cache miss.
type LedgerSource interface {
	Load(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error)
}

// DirtySink receives the (customer, grant) pairs a mutation dirtied; the
// sync batcher implements it.
type DirtySink interface {
	Enqueue(orgID snowflake.ID, env string, customerID snowflake.ID, grantIDs []snowflake.ID)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Cache   Cache
	Ledger  LedgerSource
	Clock   clock.Clock
	Sink    DirtySink        `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

// BalanceStore is the cache-aside holder of customer aggregates.
type BalanceStore struct {
	log     *zap.Logger
	cache   Cache
	ledger  LedgerSource
	clock   clock.Clock
	sink    DirtySink
	metrics *metrics.Metrics
}

func New(p Params) *BalanceStore {
	return &BalanceStore{
		log:     p.Log.Named("balancestore"),
		cache:   p.Cache,
		ledger:  p.Ledger,
		clock:   p.Clock,
		sink:    p.Sink,
		metrics: p.Metrics,
	}
}

// Load returns the customer's aggregate: cache hit with due lazy resets
// applied, or a cache-aside fill from the ledger on miss. During an active
// delete guard the ledger copy is returned without caching it.
func (s *BalanceStore) Load(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error) {
	agg, err := s.cache.Get(ctx, orgID, customerID)
	if errors.Is(err, domain.ErrNotCached) {
		if s.metrics != nil {
			s.metrics.IncCacheMiss()
		}
		return s.fill(ctx, orgID, customerID)
	}
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncCacheHit()
	}
	return s.applyDueResets(ctx, agg)
}

// AtomicApply persists one batch of updates to the cache as a single
// indivisible operation and enqueues the dirtied grants for ledger sync.
func (s *BalanceStore) AtomicApply(ctx context.Context, agg *domain.CustomerAggregate, updates []domain.GrantUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.cache.CompareAndApply(ctx, agg.OrgID, agg.CustomerID, updates); err != nil {
		return err
	}
	s.enqueue(agg, updates)
	return nil
}

// Invalidate guards and removes the customers' cache entries, e.g. after
// an out-of-band authoritative ledger change.
func (s *BalanceStore) Invalidate(ctx context.Context, orgID snowflake.ID, customerIDs ...snowflake.ID) error {
	return s.cache.Invalidate(ctx, orgID, customerIDs)
}

func (s *BalanceStore) fill(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error) {
	agg, err := s.ledger.Load(ctx, orgID, customerID)
	if err != nil {
		return nil, err
	}

	resets := domain.DueResets(agg, s.clock.Now())
	if len(resets) > 0 {
		agg = agg.Apply(resets)
	}

	if err := s.cache.Put(ctx, agg); err != nil {
		if errors.Is(err, domain.ErrGuarded) {
			// Deletion in flight: serve the ledger copy uncached.
			return agg, nil
		}
		return nil, err
	}

	if len(resets) > 0 {
		s.enqueue(agg, resets)
	}
	return agg, nil
}

func (s *BalanceStore) applyDueResets(ctx context.Context, agg *domain.CustomerAggregate) (*domain.CustomerAggregate, error) {
	resets := domain.DueResets(agg, s.clock.Now())
	if len(resets) == 0 {
		return agg, nil
	}

	err := s.cache.CompareAndApply(ctx, agg.OrgID, agg.CustomerID, resets)
	switch {
	case err == nil:
		agg = agg.Apply(resets)
		s.enqueue(agg, resets)
		return agg, nil
	case errors.Is(err, domain.ErrStaleWrite):
		// Another caller reset the grant first; their write is equivalent.
		fresh, gerr := s.cache.Get(ctx, agg.OrgID, agg.CustomerID)
		if gerr != nil {
			return nil, gerr
		}
		return fresh, nil
	case errors.Is(err, domain.ErrNotCached), errors.Is(err, domain.ErrGuarded):
		return agg.Apply(resets), nil
	default:
		return nil, err
	}
}

func (s *BalanceStore) enqueue(agg *domain.CustomerAggregate, updates []domain.GrantUpdate) {
	if s.sink == nil {
		return
	}
	ids := make([]snowflake.ID, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.GrantID)
	}
	s.sink.Enqueue(agg.OrgID, agg.Env, agg.CustomerID, ids)
}
