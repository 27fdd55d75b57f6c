package planner

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/feature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newPlanner(catalog feature.Catalog) *Planner {
	return New(Params{
		Log:     zap.NewNop(),
		Catalog: catalog,
		Clock:   clock.NewFakeClock(testNow),
	})
}

func testCatalog() *feature.MemoryCatalog {
	return feature.NewMemoryCatalog(
		domain.Feature{
			ID: 100, OrgID: 1, Code: "api_calls", Type: domain.FeatureTypeMetered,
			EventNames: []string{"api.request", "api.batch"},
		},
		domain.Feature{
			ID: 200, OrgID: 1, Code: "credits", Type: domain.FeatureTypeCreditSystem,
			CreditSchedule: map[snowflake.ID]float64{100: 2},
		},
		domain.Feature{
			ID: 300, OrgID: 1, Code: "sso", Type: domain.FeatureTypeBoolean,
		},
	)
}

func testAggregate(grants ...domain.Grant) *domain.CustomerAggregate {
	return &domain.CustomerAggregate{
		OrgID:      1,
		CustomerID: 7,
		Env:        "live",
		Grants:     grants,
		Settings:   domain.OrgSettings{OrgID: 1},
	}
}

func metered(id, featureID snowflake.ID, allowance, balance float64) domain.Grant {
	return domain.Grant{
		ID: id, OrgID: 1, CustomerID: 7, Env: "live",
		FeatureID: featureID, FeatureType: domain.FeatureTypeMetered,
		Allowance: allowance, Balance: balance,
	}
}

func TestPlanResolvesByCode(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 50, 50))

	ds, err := p.Plan(context.Background(), agg, "api_calls", TrackOptions{Amount: 10})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, snowflake.ID(100), ds[0].Feature.ID)
	assert.Equal(t, 10.0, ds[0].Amount)
}

func TestPlanResolvesByEventName(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 50, 50))

	ds, err := p.Plan(context.Background(), agg, "api.request", TrackOptions{Amount: 3})
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(100), ds[0].Feature.ID)
}

func TestPlanCodeWinsOverEventName(t *testing.T) {
	catalog := testCatalog()
	// A second feature whose code collides with the first one's event name.
	catalog.Put(domain.Feature{ID: 400, OrgID: 1, Code: "api.request", Type: domain.FeatureTypeMetered})
	p := newPlanner(catalog)
	agg := testAggregate(metered(1, 400, 10, 10))

	ds, err := p.Plan(context.Background(), agg, "api.request", TrackOptions{Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(400), ds[0].Feature.ID)
}

func TestPlanAttachesCreditLines(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(
		domain.Grant{ID: 1, OrgID: 1, CustomerID: 7, FeatureID: 200, FeatureType: domain.FeatureTypeCreditSystem, Balance: 100},
	)

	ds, err := p.Plan(context.Background(), agg, "api_calls", TrackOptions{Amount: 5})
	require.NoError(t, err)
	require.Len(t, ds[0].Credits, 1)
	assert.Equal(t, snowflake.ID(200), ds[0].Credits[0].Feature.ID)
	assert.Equal(t, 2.0, ds[0].Credits[0].PerUnit)
}

func TestPlanUnknownFeature(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 50, 50))

	_, err := p.Plan(context.Background(), agg, "no_such_feature", TrackOptions{Amount: 1})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}

func TestPlanNoMatchingGrant(t *testing.T) {
	p := newPlanner(testCatalog())
	// The boolean feature exists but the customer holds no grant for it.
	agg := testAggregate(metered(1, 100, 50, 50))

	_, err := p.Plan(context.Background(), agg, "sso", TrackOptions{})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}

func TestPlanBooleanYieldsNoAmount(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(domain.Grant{
		ID: 1, OrgID: 1, CustomerID: 7, FeatureID: 300, FeatureType: domain.FeatureTypeBoolean,
	})

	ds, err := p.Plan(context.Background(), agg, "sso", TrackOptions{Amount: 99})
	require.NoError(t, err)
	assert.Equal(t, 0.0, ds[0].Amount)
}

func TestPlanSetUsageIncrease(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 100, 80)) // 20 already used

	target := 50.0
	ds, err := p.Plan(context.Background(), agg, "api_calls", TrackOptions{SetUsage: &target})
	require.NoError(t, err)
	assert.InDelta(t, 30.0, ds[0].Amount, 1e-9)
}

func TestPlanSetUsageDecrease(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 100, 40)) // 60 already used

	target := 25.0
	ds, err := p.Plan(context.Background(), agg, "api_calls", TrackOptions{SetUsage: &target})
	require.NoError(t, err)
	assert.InDelta(t, -35.0, ds[0].Amount, 1e-9)
}

func TestPlanSetUsageAlreadyMet(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 100, 70))

	target := 30.0
	ds, err := p.Plan(context.Background(), agg, "api_calls", TrackOptions{SetUsage: &target})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ds[0].Amount, 1e-9)
}

func TestPlanBlankName(t *testing.T) {
	p := newPlanner(testCatalog())
	agg := testAggregate(metered(1, 100, 50, 50))

	_, err := p.Plan(context.Background(), agg, "  ", TrackOptions{Amount: 1})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}
