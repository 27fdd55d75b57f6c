// Package memstore implements the transactional aggregate cache with a
// per-customer mutex table, for tests and single-process deployments.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/clock"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

const defaultGuardTTL = 5 * time.Second

type entry struct {
	mu  sync.Mutex
	agg *domain.CustomerAggregate
}

// Store keeps aggregates in process memory. All mutations for one customer
// serialize through that customer's mutex; different customers never share
// a lock.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	guards   map[string]time.Time
	guardTTL time.Duration
	clock    clock.Clock
}

var _ balancestore.Cache = (*Store)(nil)

func New() *Store {
	return &Store{
		entries:  make(map[string]*entry),
		guards:   make(map[string]time.Time),
		guardTTL: defaultGuardTTL,
		clock:    clock.NewSystemClock(),
	}
}

func key(orgID, customerID snowflake.ID) string {
	return fmt.Sprintf("%d:%d", orgID, customerID)
}

func (s *Store) entryFor(k string, create bool) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok && create {
		e = &entry{}
		s.entries[k] = e
		ok = true
	}
	return e, ok
}

func (s *Store) guarded(k string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.guards[k]
	if !ok {
		return false
	}
	if s.clock.Now().After(until) {
		delete(s.guards, k)
		return false
	}
	return true
}

func (s *Store) Get(_ context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error) {
	e, ok := s.entryFor(key(orgID, customerID), false)
	if !ok {
		return nil, domain.ErrNotCached
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agg == nil {
		return nil, domain.ErrNotCached
	}
	return e.agg.Clone(), nil
}

func (s *Store) Put(_ context.Context, agg *domain.CustomerAggregate) error {
	k := key(agg.OrgID, agg.CustomerID)
	if s.guarded(k) {
		return domain.ErrGuarded
	}
	e, _ := s.entryFor(k, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agg = agg.Clone()
	return nil
}

func (s *Store) CompareAndApply(_ context.Context, orgID, customerID snowflake.ID, updates []domain.GrantUpdate) error {
	k := key(orgID, customerID)
	if s.guarded(k) {
		return domain.ErrGuarded
	}
	e, ok := s.entryFor(k, false)
	if !ok {
		return domain.ErrNotCached
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agg == nil {
		return domain.ErrNotCached
	}

	for _, u := range updates {
		g := e.agg.Grant(u.GrantID)
		if g == nil {
			return domain.ErrNotCached
		}
		if g.Version != u.ExpectedVersion {
			return domain.ErrStaleWrite
		}
		if !domain.SameResetToken(g.NextResetAt, u.ExpectedNextResetAt) {
			return domain.ErrStaleWrite
		}
	}

	// Reference swap: the stored aggregate is never mutated in place.
	e.agg = e.agg.Apply(updates)
	return nil
}

func (s *Store) Invalidate(_ context.Context, orgID snowflake.ID, customerIDs []snowflake.ID) error {
	until := s.clock.Now().Add(s.guardTTL)
	s.mu.Lock()
	for _, id := range customerIDs {
		k := key(orgID, id)
		s.guards[k] = until
		delete(s.entries, k)
	}
	s.mu.Unlock()
	return nil
}

// SetGuardTTL overrides the guard window; tests shorten it.
func (s *Store) SetGuardTTL(ttl time.Duration) { s.guardTTL = ttl }

// SetClock overrides the clock driving guard expiry; tests advance it.
func (s *Store) SetClock(c clock.Clock) { s.clock = c }
