package feature

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

// MemoryCatalog is an in-process Catalog for tests and single-binary
// deployments that preload the feature set.
type MemoryCatalog struct {
	mu       sync.RWMutex
	features map[snowflake.ID]domain.Feature
}

func NewMemoryCatalog(features ...domain.Feature) *MemoryCatalog {
	c := &MemoryCatalog{features: make(map[snowflake.ID]domain.Feature, len(features))}
	for _, f := range features {
		c.features[f.ID] = f
	}
	return c
}

// Put inserts or replaces a feature.
func (c *MemoryCatalog) Put(f domain.Feature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.features[f.ID] = f
}

func (c *MemoryCatalog) GetFeature(_ context.Context, orgID, id snowflake.ID) (*domain.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.features[id]
	if !ok || f.OrgID != orgID {
		return nil, nil
	}
	return &f, nil
}

func (c *MemoryCatalog) FindByCode(_ context.Context, orgID snowflake.ID, code string) (*domain.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.features {
		if f.OrgID == orgID && strings.EqualFold(f.Code, code) {
			out := f
			return &out, nil
		}
	}
	return nil, nil
}

func (c *MemoryCatalog) FindByEventName(_ context.Context, orgID snowflake.ID, event string) (*domain.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.features {
		if f.OrgID != orgID {
			continue
		}
		for _, name := range f.EventNames {
			if strings.EqualFold(name, event) {
				out := f
				return &out, nil
			}
		}
	}
	return nil, nil
}

func (c *MemoryCatalog) CreditSystemsFor(_ context.Context, orgID, featureID snowflake.ID) ([]domain.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Feature
	for _, f := range c.features {
		if f.OrgID == orgID && f.CreditCost(featureID) > 0 {
			out = append(out, f)
		}
	}
	return out, nil
}
