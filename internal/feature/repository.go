package feature

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

// NewRepository returns a Catalog backed by the platform's features table.
func NewRepository(db *gorm.DB) Catalog {
	return &repo{db: db}
}

func (r *repo) GetFeature(ctx context.Context, orgID, id snowflake.ID) (*domain.Feature, error) {
	var f domain.Feature
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *repo) FindByCode(ctx context.Context, orgID snowflake.ID, code string) (*domain.Feature, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	var f domain.Feature
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND code = ?", orgID, code).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *repo) FindByEventName(ctx context.Context, orgID snowflake.ID, event string) (*domain.Feature, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, nil
	}
	var features []domain.Feature
	if err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Find(&features).Error; err != nil {
		return nil, err
	}
	// Event names live inside a JSON column; the table is small and
	// org-scoped, so the scan happens in memory.
	for i := range features {
		for _, name := range features[i].EventNames {
			if strings.EqualFold(name, event) {
				return &features[i], nil
			}
		}
	}
	return nil, nil
}

func (r *repo) CreditSystemsFor(ctx context.Context, orgID, featureID snowflake.ID) ([]domain.Feature, error) {
	var features []domain.Feature
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND feature_type = ?", orgID, domain.FeatureTypeCreditSystem).
		Find(&features).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Feature, 0, len(features))
	for _, f := range features {
		if f.CreditCost(featureID) > 0 {
			out = append(out, f)
		}
	}
	return out, nil
}
