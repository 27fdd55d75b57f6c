// Package feature exposes the read-only catalog surface the entitlement
// engine consumes. Catalog CRUD lives in the surrounding platform; the
// engine only resolves features and credit schedules.
package feature

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

// Catalog resolves features by id, code or inbound event name, and lists
// the credit-system features whose schedule covers a given feature.
type Catalog interface {
	GetFeature(ctx context.Context, orgID, id snowflake.ID) (*domain.Feature, error)
	FindByCode(ctx context.Context, orgID snowflake.ID, code string) (*domain.Feature, error)
	FindByEventName(ctx context.Context, orgID snowflake.ID, event string) (*domain.Feature, error)
	CreditSystemsFor(ctx context.Context, orgID, featureID snowflake.ID) ([]domain.Feature, error)
}
