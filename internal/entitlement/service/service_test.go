package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/balancestore/memstore"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/entitlement/planner"
	"github.com/smallbiznis/ration/internal/feature"
	"github.com/smallbiznis/ration/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var svcNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    domain.Service
	store  *ledger.Store
	cache  *memstore.Store
	clock  *clock.FakeClock
	ctx    context.Context
	t      *testing.T
	nextID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// busy_timeout keeps concurrent degraded-path commits from tripping
	// over sqlite's writer lock.
	gdb, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared&_pragma=busy_timeout(10000)"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&domain.Grant{}, &domain.OrgSettings{}))

	store := ledger.New(ledger.Params{DB: gdb, Log: zap.NewNop()})
	cache := memstore.New()
	fc := clock.NewFakeClock(svcNow)

	catalog := feature.NewMemoryCatalog(
		domain.Feature{ID: 100, OrgID: 1, Code: "api_calls", Type: domain.FeatureTypeMetered,
			EventNames: []string{"api.request"}},
		domain.Feature{ID: 200, OrgID: 1, Code: "credits", Type: domain.FeatureTypeCreditSystem,
			CreditSchedule: map[snowflake.ID]float64{100: 2}},
		domain.Feature{ID: 300, OrgID: 1, Code: "sso", Type: domain.FeatureTypeBoolean},
	)

	bs := balancestore.New(balancestore.Params{
		Log:    zap.NewNop(),
		Cache:  cache,
		Ledger: store,
		Clock:  fc,
	})
	p := planner.New(planner.Params{Log: zap.NewNop(), Catalog: catalog, Clock: fc})

	svc := New(Params{
		Log:     zap.NewNop(),
		Planner: p,
		Store:   bs,
		Ledger:  store,
		Clock:   fc,
	})

	return &fixture{
		svc: svc, store: store, cache: cache, clock: fc,
		ctx: context.Background(), t: t, nextID: 1,
	}
}

func (f *fixture) seed(mutate ...func(*domain.Grant)) domain.Grant {
	f.t.Helper()
	nr := svcNow.Add(24 * time.Hour)
	g := domain.Grant{
		ID: f.nextID, OrgID: 1, CustomerID: 7, Env: "live",
		FeatureID: 100, FeatureType: domain.FeatureTypeMetered,
		Allowance: 100, Balance: 100,
		Interval: domain.IntervalMonth, IntervalCount: 1,
		NextResetAt: &nr,
		CreatedAt:   svcNow.Add(-time.Duration(f.nextID) * time.Hour),
		UpdatedAt:   svcNow,
	}
	f.nextID++
	for _, m := range mutate {
		m(&g)
	}
	require.NoError(f.t, f.store.SaveGrant(f.ctx, &g))
	return g
}

func TestTrackUsageDeductsAndCaches(t *testing.T) {
	f := newFixture(t)
	f.seed()

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 30,
	})
	require.NoError(t, err)

	assert.True(t, resp.Allowed)
	assert.Equal(t, 100.0, resp.Granted)
	assert.Equal(t, 70.0, resp.Balance)
	assert.Equal(t, 30.0, resp.Usage)

	cached, err := f.cache.Get(f.ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, 70.0, cached.Grants[0].Balance)
}

func TestTrackUsageResolvesEventName(t *testing.T) {
	f := newFixture(t)
	f.seed()

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api.request", Amount: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 95.0, resp.Balance)
}

func TestTrackUsageSequentialDeductions(t *testing.T) {
	f := newFixture(t)
	f.seed()

	for i := 0; i < 4; i++ {
		_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
			OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 10,
		})
		require.NoError(t, err)
	}

	resp, err := f.svc.CheckBalance(f.ctx, domain.CheckBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Required: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, resp.Balance)
}

func TestTrackUsageRejectInsufficient(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.Allowance = 5; g.Balance = 5 })

	_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 10,
		Overage: domain.OverageReject,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Nothing was spent.
	cached, cerr := f.cache.Get(f.ctx, 1, 7)
	require.NoError(t, cerr)
	assert.Equal(t, 5.0, cached.Grants[0].Balance)
}

func TestTrackUsageCapFloorsAtCapacity(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.Allowance = 5; g.Balance = 5 })

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, resp.Balance)
	assert.Equal(t, 5.0, resp.Usage)
}

func TestTrackUsageConcurrentCappedDeductions(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.Allowance = 5; g.Balance = 5 })

	const racers = 5
	responses := make(chan *domain.TrackUsageResponse, racers)
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
				OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 10,
				Overage: domain.OverageCap,
			})
			errs <- err
			responses <- resp
		}()
	}
	wg.Wait()
	close(responses)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for resp := range responses {
		require.NotNil(t, resp)
		assert.True(t, resp.Allowed)
	}

	// A follow-up capped deduction reads the settled state: the five
	// racers together spent exactly the 5 units that existed.
	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 1,
		Overage: domain.OverageCap,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, resp.Granted)
	assert.Equal(t, 0.0, resp.Balance)
	assert.Equal(t, 5.0, resp.Usage)
}

func TestTrackUsageOverageLandsOnCapableGrant(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.UsageAllowed = true })

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 120,
	})
	require.NoError(t, err)

	assert.Equal(t, -20.0, resp.Balance)
	assert.Equal(t, 120.0, resp.Usage)
}

func TestTrackUsageBooleanFeature(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) {
		g.FeatureID = 300
		g.FeatureType = domain.FeatureTypeBoolean
	})

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "sso",
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestTrackUsageUnknownFeature(t *testing.T) {
	f := newFixture(t)
	f.seed()

	_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "nope", Amount: 1,
	})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}

func TestTrackUsageValidatesIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{CustomerID: 7, Feature: "api_calls"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
	_, err = f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{OrgID: 1, Feature: "api_calls"})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)
}

func TestTrackUsageSetUsage(t *testing.T) {
	f := newFixture(t)
	f.seed()

	target := 40.0
	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", SetUsage: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, resp.Usage)
	assert.Equal(t, 60.0, resp.Balance)

	// Lowering the target refunds the difference.
	lower := 10.0
	resp, err = f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", SetUsage: &lower,
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, resp.Usage)
	assert.Equal(t, 90.0, resp.Balance)
}

func TestTrackUsageSpendsCreditsAfterOwnGrant(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.Allowance = 10; g.Balance = 10 })
	f.seed(func(g *domain.Grant) {
		g.FeatureID = 200
		g.FeatureType = domain.FeatureTypeCreditSystem
		g.Allowance = 100
		g.Balance = 100
	})

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 20,
	})
	require.NoError(t, err)

	// 10 own units plus 10 units at 2 credits each: 80 credits remain,
	// reported as 40 primary units.
	assert.Equal(t, 40.0, resp.Balance)

	cached, cerr := f.cache.Get(f.ctx, 1, 7)
	require.NoError(t, cerr)
	assert.Equal(t, 0.0, cached.Grant(1).Balance)
	assert.Equal(t, 80.0, cached.Grant(2).Balance)
}

func TestTrackUsageEntityScoped(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) {
		g.Allowance = 20
		g.Balance = 0
		g.Entities = map[string]*domain.EntityBalance{
			"seat-a": {Balance: 20},
			"seat-b": {Balance: 20},
		}
	})

	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, EntityID: "seat-a", Feature: "api_calls", Amount: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, resp.Balance)
	assert.Equal(t, 15.0, resp.Usage)

	// Customer-level check reports the per-entity breakdown.
	check, err := f.svc.CheckBalance(f.ctx, domain.CheckBalanceRequest{
		OrgID: 1, CustomerID: 7, EntityID: "seat-b", Feature: "api_calls", Required: 10,
	})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, 20.0, check.Balance)
}

func TestCheckBalanceDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	f.seed()

	resp, err := f.svc.CheckBalance(f.ctx, domain.CheckBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Required: 60,
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 100.0, resp.Balance)

	again, err := f.svc.CheckBalance(f.ctx, domain.CheckBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Required: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.Balance)
}

func TestCheckBalanceDenied(t *testing.T) {
	f := newFixture(t)
	f.seed(func(g *domain.Grant) { g.Allowance = 5; g.Balance = 5 })

	resp, err := f.svc.CheckBalance(f.ctx, domain.CheckBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Required: 10,
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, 5.0, resp.Balance)
}

func TestUpdateGrantedBalanceTopUp(t *testing.T) {
	f := newFixture(t)
	f.seed()

	resp, err := f.svc.UpdateGrantedBalance(f.ctx, domain.UpdateGrantedBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", TargetGranted: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, resp.Granted)
	assert.Equal(t, 150.0, resp.Balance)

	cached, cerr := f.cache.Get(f.ctx, 1, 7)
	require.NoError(t, cerr)
	assert.Equal(t, 50.0, cached.Grants[0].AdditionalGrantedBalance)
	assert.Equal(t, 150.0, cached.Grants[0].Balance)
}

func TestUpdateGrantedBalancePreservesRecordedUsage(t *testing.T) {
	f := newFixture(t)
	f.seed()

	_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 30,
	})
	require.NoError(t, err)

	resp, err := f.svc.UpdateGrantedBalance(f.ctx, domain.UpdateGrantedBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", TargetGranted: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, resp.Granted)
	assert.Equal(t, 120.0, resp.Balance)
	assert.Equal(t, 30.0, resp.Usage)
}

func TestUpdateGrantedBalanceLowersTarget(t *testing.T) {
	f := newFixture(t)
	f.seed()

	resp, err := f.svc.UpdateGrantedBalance(f.ctx, domain.UpdateGrantedBalanceRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", TargetGranted: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, resp.Granted)
	assert.Equal(t, 60.0, resp.Balance)
}

func TestTrackUsageLazyResetAcrossBoundary(t *testing.T) {
	f := newFixture(t)
	f.seed()

	_, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 80,
	})
	require.NoError(t, err)

	// Cross the reset boundary; the next access refills before deducting.
	f.clock.Advance(48 * time.Hour)
	resp, err := f.svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 90.0, resp.Balance)
	assert.Equal(t, 10.0, resp.Usage)
}

// staleCache rejects every CompareAndApply so the degraded path is
// exercised end to end.
type staleCache struct {
	*memstore.Store
}

func (c staleCache) CompareAndApply(context.Context, snowflake.ID, snowflake.ID, []domain.GrantUpdate) error {
	return domain.ErrStaleWrite
}

func TestTrackUsageDegradesToLedgerDirect(t *testing.T) {
	f := newFixture(t)
	f.seed()

	cache := staleCache{memstore.New()}
	bs := balancestore.New(balancestore.Params{
		Log:    zap.NewNop(),
		Cache:  cache,
		Ledger: f.store,
		Clock:  f.clock,
	})
	catalog := feature.NewMemoryCatalog(domain.Feature{
		ID: 100, OrgID: 1, Code: "api_calls", Type: domain.FeatureTypeMetered,
	})
	svc := New(Params{
		Log:     zap.NewNop(),
		Planner: planner.New(planner.Params{Log: zap.NewNop(), Catalog: catalog, Clock: f.clock}),
		Store:   bs,
		Ledger:  f.store,
		Clock:   f.clock,
	})

	resp, err := svc.TrackUsage(f.ctx, domain.TrackUsageRequest{
		OrgID: 1, CustomerID: 7, Feature: "api_calls", Amount: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, resp.Balance)

	// The write reached the ledger even though the cache kept losing.
	agg, err := f.store.Load(f.ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, 70.0, agg.Grants[0].Balance)
}
