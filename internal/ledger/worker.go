package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
	"github.com/smallbiznis/ration/internal/jobqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pairTimeout = 2 * time.Second

type WorkerParams struct {
	fx.In

	Log   *zap.Logger
	Store *Store
	Cache balancestore.Cache
}

// Worker consumes sync batches and writes each pair's dirty grants from
// the cache back into the ledger. A pair failure is logged and returned so
// the queue's retry semantics re-deliver it; the original caller is never
// involved.
type Worker struct {
	log   *zap.Logger
	store *Store
	cache balancestore.Cache
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		log:   p.Log.Named("ledger.worker"),
		store: p.Store,
		cache: p.Cache,
	}
}

// HandleBatch is the jobqueue handler.
func (w *Worker) HandleBatch(ctx context.Context, batch jobqueue.Batch) error {
	var firstErr error
	for _, pair := range batch.Pairs {
		if err := w.syncPair(ctx, pair); err != nil {
			w.log.Warn("pair sync failed",
				zap.Error(err),
				zap.String("batch_id", batch.ID),
				zap.String("customer_id", pair.CustomerID.String()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Worker) syncPair(parent context.Context, pair jobqueue.Pair) error {
	ctx, cancel := context.WithTimeout(parent, pairTimeout)
	defer cancel()

	agg, err := w.cache.Get(ctx, pair.OrgID, pair.CustomerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotCached) {
			// Entry evicted or invalidated since the flush; the ledger is
			// already authoritative for this customer.
			return nil
		}
		return err
	}

	dirty := make(map[snowflake.ID]struct{}, len(pair.GrantIDs))
	for _, id := range pair.GrantIDs {
		dirty[id] = struct{}{}
	}

	updates := make([]domain.GrantUpdate, 0, len(pair.GrantIDs))
	for _, g := range agg.Grants {
		if _, ok := dirty[g.ID]; !ok {
			continue
		}
		// A snapshot, not a transition: the ledger is moved to the cache's
		// current revision, never past it.
		updates = append(updates, domain.SnapshotOf(g))
	}
	return w.store.Commit(ctx, updates)
}
