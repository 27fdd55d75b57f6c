// Package domain contains the balance-bearing entitlement models shared by
// the planner, executor, cache and ledger layers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

// Feature is the catalog definition a grant points at. A credit_system
// feature carries a schedule translating usage of its constituent features
// into credit units.
type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID `gorm:"not null;index:ux_ration_features_org_code,priority:1" json:"org_id"`
	Code  string       `gorm:"type:text;not null;index:ux_ration_features_org_code,priority:2" json:"code"`

	Name string      `gorm:"type:text;not null" json:"name"`
	Type FeatureType `gorm:"column:feature_type;type:text;not null" json:"type"`

	// EventNames maps inbound usage event names onto this feature.
	EventNames []string `gorm:"serializer:json" json:"event_names,omitempty"`

	// CreditSchedule is the conversion table for credit_system features:
	// constituent feature id -> credits consumed per unit of that feature.
	CreditSchedule map[snowflake.ID]float64 `gorm:"serializer:json" json:"credit_schedule,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Feature) TableName() string { return "entitlement_features" }

// CreditCost returns the credits consumed per unit of the given constituent
// feature, or 0 when the feature is not part of the schedule.
func (f Feature) CreditCost(featureID snowflake.ID) float64 {
	if f.Type != FeatureTypeCreditSystem {
		return 0
	}
	return f.CreditSchedule[featureID]
}

type ResetInterval string

const (
	IntervalDay   ResetInterval = "day"
	IntervalWeek  ResetInterval = "week"
	IntervalMonth ResetInterval = "month"
	IntervalYear  ResetInterval = "year"
)

// Magnitude orders intervals by their approximate length in days. Used only
// for deduction precedence, never for date math.
func (i ResetInterval) Magnitude() int {
	switch i {
	case IntervalDay:
		return 1
	case IntervalWeek:
		return 7
	case IntervalMonth:
		return 30
	case IntervalYear:
		return 365
	default:
		return 0
	}
}

// Next advances t by count intervals.
func (i ResetInterval) Next(t time.Time, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return t.AddDate(0, count, 0)
	case IntervalYear:
		return t.AddDate(count, 0, 0)
	default:
		return t.AddDate(0, count, 0)
	}
}

// Rollover is unused balance carried over from a prior interval.
type Rollover struct {
	Amount    float64    `json:"amount"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RolloverConfig enables rollover on a grant. Max caps the total carried
// amount (0 means uncapped); ExpiryDays bounds how long a rollover survives
// (0 means it never expires).
type RolloverConfig struct {
	Max        float64 `json:"max"`
	ExpiryDays int     `json:"expiry_days"`
}

// EntityBalance is the per-entity slice of an entity-scoped grant.
type EntityBalance struct {
	Balance           float64 `json:"balance"`
	AdditionalBalance float64 `json:"additional_balance"`
	Adjustment        float64 `json:"adjustment"`
}

// Grant is one balance-bearing allocation of a feature to a customer,
// originating from one attached product.
type Grant struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"not null;index:idx_ration_grants_org_customer,priority:1" json:"org_id"`
	CustomerID snowflake.ID `gorm:"not null;index:idx_ration_grants_org_customer,priority:2" json:"customer_id"`
	Env        string       `gorm:"type:text;not null" json:"env"`

	FeatureID snowflake.ID `gorm:"not null;index" json:"feature_id"`
	// FeatureType is snapshotted from the catalog so the executor can order
	// grants without a catalog round-trip.
	FeatureType FeatureType `gorm:"type:text;not null" json:"feature_type"`

	ProductID    snowflake.ID `gorm:"not null" json:"product_id"`
	ProductGroup string       `gorm:"type:text" json:"product_group,omitempty"`
	AddOn        bool         `gorm:"not null;default:false" json:"add_on"`

	Unlimited    bool `gorm:"not null;default:false" json:"unlimited"`
	UsageAllowed bool `gorm:"not null;default:false" json:"usage_allowed"`

	// Version is the grant's revision, bumped by every applied mutation.
	// It is the optimistic-concurrency token: a GrantUpdate built from
	// revision N only lands while the stored grant is still at N.
	Version int64 `gorm:"not null;default:0" json:"version"`

	// Allowance is the included usage per interval.
	Allowance float64 `gorm:"not null;default:0" json:"allowance"`
	// Balance is the currently usable amount.
	Balance float64 `gorm:"not null;default:0" json:"balance"`
	// AdditionalBalance tracks overage already absorbed; negative while the
	// grant is in deficit.
	AdditionalBalance float64 `gorm:"not null;default:0" json:"additional_balance"`
	// AdditionalGrantedBalance is an administrative top-up.
	AdditionalGrantedBalance float64 `gorm:"not null;default:0" json:"additional_granted_balance"`
	// Adjustment is the signed correction applied by administrative
	// balance-set operations.
	Adjustment float64 `gorm:"not null;default:0" json:"adjustment"`

	Rollover  *RolloverConfig `gorm:"serializer:json" json:"rollover,omitempty"`
	Rollovers []Rollover      `gorm:"serializer:json" json:"rollovers,omitempty"`

	// NextResetAt is nil for perpetual grants.
	NextResetAt   *time.Time    `json:"next_reset_at,omitempty"`
	Interval      ResetInterval `gorm:"type:text" json:"interval,omitempty"`
	IntervalCount int           `gorm:"not null;default:1" json:"interval_count"`

	// Entities holds per-entity sub-balances for entity-scoped grants.
	Entities map[string]*EntityBalance `gorm:"serializer:json" json:"entities,omitempty"`

	// Metadata carries freeform annotations set by the surrounding platform
	// (provisioning source, plan references). The engine persists it untouched.
	Metadata datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "entitlement_grants" }

// EntityScoped reports whether the grant partitions its balance per entity.
func (g Grant) EntityScoped() bool { return len(g.Entities) > 0 }

// RolloverTotal sums the grant's unexpired rollovers as of now.
func (g Grant) RolloverTotal(now time.Time) float64 {
	var total float64
	for _, r := range g.Rollovers {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		total += r.Amount
	}
	return total
}

// Included is the grant's included usage for the current interval:
// allowance plus unexpired rollover plus administrative top-up plus the
// signed adjustment. Entity-scoped grants report the per-entity slice when
// entityID is non-empty, the sum across entities otherwise.
func (g Grant) Included(now time.Time, entityID string) float64 {
	base := g.Allowance + g.RolloverTotal(now) + g.AdditionalGrantedBalance + g.Adjustment
	if !g.EntityScoped() {
		return base
	}
	if entityID != "" {
		eb, ok := g.Entities[entityID]
		if !ok {
			return 0
		}
		return g.Allowance + eb.Adjustment
	}
	total := 0.0
	for range g.Entities {
		total += g.Allowance
	}
	for _, eb := range g.Entities {
		total += eb.Adjustment
	}
	return total
}

// CurrentBalance is the usable balance visible to the caller, entity-scoped
// when entityID is non-empty.
func (g Grant) CurrentBalance(entityID string) float64 {
	if !g.EntityScoped() {
		return g.Balance + g.AdditionalBalance
	}
	if entityID != "" {
		eb, ok := g.Entities[entityID]
		if !ok {
			return 0
		}
		return eb.Balance + eb.AdditionalBalance
	}
	total := 0.0
	for _, eb := range g.Entities {
		total += eb.Balance + eb.AdditionalBalance
	}
	return total
}

// Clone returns a deep copy so updates never alias a cached grant.
func (g Grant) Clone() Grant {
	out := g
	if g.Rollover != nil {
		cfg := *g.Rollover
		out.Rollover = &cfg
	}
	if g.Rollovers != nil {
		out.Rollovers = make([]Rollover, len(g.Rollovers))
		copy(out.Rollovers, g.Rollovers)
	}
	if g.NextResetAt != nil {
		ts := *g.NextResetAt
		out.NextResetAt = &ts
	}
	if g.Metadata != nil {
		out.Metadata = append(datatypes.JSON(nil), g.Metadata...)
	}
	if g.Entities != nil {
		out.Entities = make(map[string]*EntityBalance, len(g.Entities))
		for id, eb := range g.Entities {
			cp := *eb
			out.Entities[id] = &cp
		}
	}
	return out
}

// ResetOrder controls deduction precedence between reset-bound and
// perpetual grants (rules that are invertible per organization).
type ResetOrder string

const (
	// ResetOrderResetFirst spends reset-bound balances before perpetual
	// ones ("use it before it resets"). Default.
	ResetOrderResetFirst ResetOrder = "reset_first"
	// ResetOrderPerpetualFirst spends perpetual balances first.
	ResetOrderPerpetualFirst ResetOrder = "perpetual_first"
)

// OrgSettings carries the per-organization knobs the engine honours.
type OrgSettings struct {
	OrgID      snowflake.ID `gorm:"primaryKey" json:"org_id"`
	ResetOrder ResetOrder   `gorm:"type:text;not null;default:reset_first" json:"reset_order"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrgSettings) TableName() string { return "entitlement_org_settings" }

// CustomerAggregate is the cached unit: a customer plus every grant across
// all of their active customer-products. Aggregates are treated as
// immutable; mutations produce a fresh value via Apply.
type CustomerAggregate struct {
	OrgID      snowflake.ID `json:"org_id"`
	CustomerID snowflake.ID `json:"customer_id"`
	Env        string       `json:"env"`
	Grants     []Grant      `json:"grants"`
	Settings   OrgSettings  `json:"settings"`
}

// Grant returns the grant with the given id, or nil.
func (a *CustomerAggregate) Grant(id snowflake.ID) *Grant {
	for i := range a.Grants {
		if a.Grants[i].ID == id {
			return &a.Grants[i]
		}
	}
	return nil
}

// GrantsForFeature returns the grants whose feature matches featureID plus
// any credit-system grants whose schedule covers it.
func (a *CustomerAggregate) GrantsForFeature(featureID snowflake.ID, creditFeatures map[snowflake.ID]Feature) []Grant {
	out := make([]Grant, 0, len(a.Grants))
	for _, g := range a.Grants {
		if g.FeatureID == featureID {
			out = append(out, g)
			continue
		}
		if cf, ok := creditFeatures[g.FeatureID]; ok && cf.CreditCost(featureID) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// Clone deep-copies the aggregate.
func (a *CustomerAggregate) Clone() *CustomerAggregate {
	out := &CustomerAggregate{
		OrgID:      a.OrgID,
		CustomerID: a.CustomerID,
		Env:        a.Env,
		Settings:   a.Settings,
	}
	out.Grants = make([]Grant, len(a.Grants))
	for i, g := range a.Grants {
		out.Grants[i] = g.Clone()
	}
	return out
}

// Apply returns a new aggregate with every update applied. Unknown grant
// ids are ignored; the caller validates membership beforehand.
func (a *CustomerAggregate) Apply(updates []GrantUpdate) *CustomerAggregate {
	out := a.Clone()
	for _, u := range updates {
		for i := range out.Grants {
			if out.Grants[i].ID == u.GrantID {
				out.Grants[i] = u.ApplyTo(out.Grants[i])
			}
		}
	}
	return out
}

// GrantUpdate is an idempotent, absolute-valued description of a mutation
// to one grant. Re-applying the same update is a no-op beyond the first
// application.
type GrantUpdate struct {
	GrantID    snowflake.ID `json:"grant_id"`
	OrgID      snowflake.ID `json:"org_id"`
	CustomerID snowflake.ID `json:"customer_id"`

	Balance                  float64                   `json:"balance"`
	AdditionalBalance        float64                   `json:"additional_balance"`
	AdditionalGrantedBalance float64                   `json:"additional_granted_balance"`
	Adjustment               float64                   `json:"adjustment"`
	Rollovers                []Rollover                `json:"rollovers"`
	Entities                 map[string]*EntityBalance `json:"entities"`
	NextResetAt              *time.Time                `json:"next_reset_at"`

	// Version is the revision the grant carries after this update lands.
	Version int64 `json:"version"`

	// ExpectedVersion and ExpectedNextResetAt are the optimistic-concurrency
	// preconditions: the currently cached grant must still carry both or
	// the whole batch is rejected as stale. The reset token alone cannot
	// serialize two deductions in the same interval, so the revision does.
	ExpectedVersion     int64      `json:"expected_version"`
	ExpectedNextResetAt *time.Time `json:"expected_next_reset_at"`
}

// ApplyTo produces a new grant value from g plus the update.
func (u GrantUpdate) ApplyTo(g Grant) Grant {
	out := g.Clone()
	out.Version = u.Version
	out.Balance = u.Balance
	out.AdditionalBalance = u.AdditionalBalance
	out.AdditionalGrantedBalance = u.AdditionalGrantedBalance
	out.Adjustment = u.Adjustment
	out.Rollovers = nil
	if u.Rollovers != nil {
		out.Rollovers = make([]Rollover, len(u.Rollovers))
		copy(out.Rollovers, u.Rollovers)
	}
	out.Entities = nil
	if u.Entities != nil {
		out.Entities = make(map[string]*EntityBalance, len(u.Entities))
		for id, eb := range u.Entities {
			cp := *eb
			out.Entities[id] = &cp
		}
	}
	out.NextResetAt = nil
	if u.NextResetAt != nil {
		ts := *u.NextResetAt
		out.NextResetAt = &ts
	}
	return out
}

// UpdateFor snapshots a grant's mutable fields into a GrantUpdate
// describing the transition from the grant's current revision to the next.
// The preconditions are the grant's revision and the expected
// next_reset_at.
func UpdateFor(g Grant, expectedNextResetAt *time.Time) GrantUpdate {
	u := GrantUpdate{
		GrantID:                  g.ID,
		OrgID:                    g.OrgID,
		CustomerID:               g.CustomerID,
		Balance:                  g.Balance,
		AdditionalBalance:        g.AdditionalBalance,
		AdditionalGrantedBalance: g.AdditionalGrantedBalance,
		Adjustment:               g.Adjustment,
		Version:                  g.Version + 1,
		ExpectedVersion:          g.Version,
		ExpectedNextResetAt:      expectedNextResetAt,
	}
	if g.Rollovers != nil {
		u.Rollovers = make([]Rollover, len(g.Rollovers))
		copy(u.Rollovers, g.Rollovers)
	}
	if g.Entities != nil {
		u.Entities = make(map[string]*EntityBalance, len(g.Entities))
		for id, eb := range g.Entities {
			cp := *eb
			u.Entities[id] = &cp
		}
	}
	if g.NextResetAt != nil {
		ts := *g.NextResetAt
		u.NextResetAt = &ts
	}
	return u
}

// SnapshotOf records the grant's state at its current revision, for
// reconciling the ledger to a cache snapshot. Unlike UpdateFor it describes
// no transition: applying it leaves the revision where it is.
func SnapshotOf(g Grant) GrantUpdate {
	u := UpdateFor(g, g.NextResetAt)
	u.Version = g.Version
	u.ExpectedVersion = g.Version
	return u
}

// SameResetToken compares two reset timestamps as opaque tokens.
func SameResetToken(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
