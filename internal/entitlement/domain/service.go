package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// TrackUsageRequest reports usage against a feature (by code or by event
// name), either as a relative Amount or an absolute SetUsage target.
type TrackUsageRequest struct {
	OrgID      snowflake.ID     `json:"org_id"`
	CustomerID snowflake.ID     `json:"customer_id"`
	EntityID   string           `json:"entity_id,omitempty"`
	Feature    string           `json:"feature"`
	Amount     float64          `json:"amount,omitempty"`
	SetUsage   *float64         `json:"set_usage,omitempty"`
	Overage    OverageBehaviour `json:"overage_behaviour,omitempty"`
}

// EntityUsage is one entity's slice of the response breakdown.
type EntityUsage struct {
	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`
}

type TrackUsageResponse struct {
	Allowed bool    `json:"allowed"`
	Granted float64 `json:"granted"`
	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`

	Entities map[string]EntityUsage `json:"entities,omitempty"`
}

type CheckBalanceRequest struct {
	OrgID      snowflake.ID `json:"org_id"`
	CustomerID snowflake.ID `json:"customer_id"`
	EntityID   string       `json:"entity_id,omitempty"`
	Feature    string       `json:"feature"`
	Required   float64      `json:"required"`
}

type CheckBalanceResponse struct {
	Allowed  bool    `json:"allowed"`
	Balance  float64 `json:"balance"`
	Required float64 `json:"required"`
}

// UpdateGrantedBalanceRequest is the administrative override: it moves the
// grant's total granted amount to the target by writing the adjustment or
// top-up fields, never through the deduction walk.
type UpdateGrantedBalanceRequest struct {
	OrgID         snowflake.ID `json:"org_id"`
	CustomerID    snowflake.ID `json:"customer_id"`
	EntityID      string       `json:"entity_id,omitempty"`
	Feature       string       `json:"feature"`
	TargetGranted float64      `json:"target_granted_balance"`
}

// Service is the engine's inbound surface, consumed by the surrounding
// billing API.
type Service interface {
	TrackUsage(ctx context.Context, req TrackUsageRequest) (*TrackUsageResponse, error)
	CheckBalance(ctx context.Context, req CheckBalanceRequest) (*CheckBalanceResponse, error)
	UpdateGrantedBalance(ctx context.Context, req UpdateGrantedBalanceRequest) (*TrackUsageResponse, error)
}
