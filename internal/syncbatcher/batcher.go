// Package syncbatcher accumulates dirty (customer, grant) pairs produced
// by cache mutations and flushes them, deduplicated, as batch jobs for the
// ledger worker. Instances are constructor-injected with an explicit
// Start/Stop lifecycle; there is no process-wide state.
package syncbatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/jobqueue"
	"github.com/smallbiznis/ration/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Queue   jobqueue.Queue
	Metrics *metrics.Metrics `optional:"true"`
	Config  Config           `optional:"true"`
}

// Batcher holds the pending-pair map. The mutex guards only the map swap;
// no computation or I/O happens while it is held.
type Batcher struct {
	log     *zap.Logger
	queue   jobqueue.Queue
	metrics *metrics.Metrics
	cfg     Config

	mu      sync.Mutex
	pending map[string]jobqueue.Pair
	timer   *time.Timer
	stopped bool

	wg sync.WaitGroup
}

func New(p Params) *Batcher {
	return &Batcher{
		log:     p.Log.Named("syncbatcher"),
		queue:   p.Queue,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
		pending: make(map[string]jobqueue.Pair),
	}
}

func pairKey(orgID snowflake.ID, env string, customerID snowflake.ID) string {
	return fmt.Sprintf("%d|%s|%d", orgID, env, customerID)
}

// Enqueue records a customer's dirty grants. Re-enqueuing the same pair
// before a flush merges grant ids; the pair is submitted once. The first
// enqueue after an empty period arms the flush timer; hitting the pending
// cap flushes immediately.
func (b *Batcher) Enqueue(orgID snowflake.ID, env string, customerID snowflake.ID, grantIDs []snowflake.ID) {
	key := pairKey(orgID, env, customerID)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	pair, ok := b.pending[key]
	if !ok {
		pair = jobqueue.Pair{OrgID: orgID, Env: env, CustomerID: customerID}
	}
	pair.GrantIDs = mergeGrantIDs(pair.GrantIDs, grantIDs)
	b.pending[key] = pair

	armTimer := len(b.pending) == 1 && b.timer == nil
	hitCap := len(b.pending) >= b.cfg.MaxPending
	if armTimer {
		b.timer = time.AfterFunc(b.cfg.FlushWindow, b.Flush)
	}
	b.mu.Unlock()

	if hitCap {
		b.Flush()
	}
}

// Flush swaps the pending map for a fresh one and hands the snapshot to
// the queue as a single batch. Safe to call concurrently from the timer,
// the cap trigger and shutdown: the swap is the only mutation performed
// under the lock, so racing callers either take the snapshot or find the
// map already empty.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	snapshot := b.pending
	b.pending = make(map[string]jobqueue.Pair)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	pairs := make([]jobqueue.Pair, 0, len(snapshot))
	for _, p := range snapshot {
		pairs = append(pairs, p)
	}
	batch := jobqueue.NewBatch(pairs)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SubmitTimeout)
		defer cancel()
		if err := b.queue.Submit(ctx, batch); err != nil {
			// Durability falls to the queue's own retry semantics; the
			// original caller already holds the authoritative result.
			b.log.Error("batch submit failed",
				zap.Error(err),
				zap.String("batch_id", batch.ID),
				zap.Int("pairs", len(batch.Pairs)),
			)
			return
		}
		if b.metrics != nil {
			b.metrics.SyncBatchFlushed(len(batch.Pairs))
		}
	}()
}

// Start arms nothing by itself; it exists so the lifecycle is explicit and
// symmetric with Stop.
func (b *Batcher) Start() error {
	b.mu.Lock()
	b.stopped = false
	b.mu.Unlock()
	return nil
}

// Stop flushes pending pairs and waits for in-flight submissions so a
// graceful shutdown loses nothing.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.Flush()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingPairs reports the current pending count.
func (b *Batcher) PendingPairs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func mergeGrantIDs(existing, incoming []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(existing)+len(incoming))
	out := existing
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
