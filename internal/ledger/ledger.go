// Package ledger is the durable source of truth for grants. The cache
// layer reads it on miss; the sync worker reconciles cache mutations back
// into it in batches.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) *Store {
	return &Store{
		db:  p.DB,
		log: p.Log.Named("ledger"),
	}
}

// Load assembles the customer's full aggregate: every grant across all
// active customer-products plus the org settings the executor honours.
func (s *Store) Load(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}

	var grants []domain.Grant
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ?", orgID, customerID).
		Order("created_at ASC").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	settings := domain.OrgSettings{OrgID: orgID, ResetOrder: domain.ResetOrderResetFirst}
	var stored domain.OrgSettings
	err = s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&stored).Error
	switch {
	case err == nil:
		settings = stored
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	agg := &domain.CustomerAggregate{
		OrgID:      orgID,
		CustomerID: customerID,
		Grants:     grants,
		Settings:   settings,
	}
	if len(grants) > 0 {
		agg.Env = grants[0].Env
	}
	return agg, nil
}

// Commit applies one batch of absolute-valued updates in a single
// transaction. Updates are idempotent by construction and guarded by the
// grant's revision, so the at-least-once queue can redeliver a batch, or a
// stale pre-reset batch can arrive after a reset, without corrupting
// balances.
func (s *Store) Commit(ctx context.Context, updates []domain.GrantUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			var g domain.Grant
			err := tx.Where("id = ?", u.GrantID).First(&g).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					// Grant removed out-of-band (product detach, customer
					// delete); nothing to reconcile.
					continue
				}
				return err
			}
			if skipUpdate(g, u) {
				continue
			}
			next := u.ApplyTo(g)
			next.UpdatedAt = time.Now().UTC()
			if err := tx.Save(&next).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// skipUpdate reports whether the update is stale relative to the stored
// row. A cache snapshot ahead of the ledger always lands; an update built
// against the row's current revision additionally needs the matching reset
// token, so a redelivered pre-reset write cannot clobber a reset row.
func skipUpdate(g domain.Grant, u domain.GrantUpdate) bool {
	if g.Version > u.ExpectedVersion {
		return true
	}
	if g.Version == u.ExpectedVersion {
		return !domain.SameResetToken(g.NextResetAt, u.ExpectedNextResetAt)
	}
	return false
}

// SaveGrant upserts a grant row; the surrounding platform calls this when
// a product attaches to a customer.
func (s *Store) SaveGrant(ctx context.Context, g *domain.Grant) error {
	err := s.db.WithContext(ctx).Save(g).Error
	if db.IsDuplicateKeyErr(err) {
		return gorm.ErrDuplicatedKey
	}
	return err
}

// DeleteGrants removes a customer's grants when the owning customer-product
// is canceled or the customer is deleted.
func (s *Store) DeleteGrants(ctx context.Context, orgID, customerID snowflake.ID, grantIDs []snowflake.ID) error {
	stmt := s.db.WithContext(ctx).Where("org_id = ? AND customer_id = ?", orgID, customerID)
	if len(grantIDs) > 0 {
		stmt = stmt.Where("id IN ?", grantIDs)
	}
	return stmt.Delete(&domain.Grant{}).Error
}
