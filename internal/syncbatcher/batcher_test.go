package syncbatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ration/internal/jobqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureQueue struct {
	mu      sync.Mutex
	batches []jobqueue.Batch
	done    chan struct{}
}

func newCaptureQueue() *captureQueue {
	return &captureQueue{done: make(chan struct{}, 16)}
}

func (q *captureQueue) Submit(_ context.Context, batch jobqueue.Batch) error {
	q.mu.Lock()
	q.batches = append(q.batches, batch)
	q.mu.Unlock()
	select {
	case q.done <- struct{}{}:
	default:
	}
	return nil
}

func (q *captureQueue) wait(t *testing.T) jobqueue.Batch {
	t.Helper()
	select {
	case <-q.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch submitted")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batches[len(q.batches)-1]
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

func newBatcher(q jobqueue.Queue, cfg Config) *Batcher {
	return New(Params{
		Log:    zap.NewNop(),
		Queue:  q,
		Config: cfg,
	})
}

func TestEnqueueFlushesAfterWindow(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: 20 * time.Millisecond})
	require.NoError(t, b.Start())
	defer b.Stop(context.Background())

	b.Enqueue(1, "live", 7, []snowflake.ID{10})

	batch := q.wait(t)
	require.Len(t, batch.Pairs, 1)
	assert.Equal(t, snowflake.ID(7), batch.Pairs[0].CustomerID)
	assert.Equal(t, []snowflake.ID{10}, batch.Pairs[0].GrantIDs)
	assert.Equal(t, 0, b.PendingPairs())
}

func TestEnqueueDeduplicatesPairs(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: 30 * time.Millisecond})
	require.NoError(t, b.Start())
	defer b.Stop(context.Background())

	b.Enqueue(1, "live", 7, []snowflake.ID{10})
	b.Enqueue(1, "live", 7, []snowflake.ID{10, 11})
	b.Enqueue(1, "live", 8, []snowflake.ID{12})

	batch := q.wait(t)
	require.Len(t, batch.Pairs, 2)

	byCustomer := map[snowflake.ID][]snowflake.ID{}
	for _, p := range batch.Pairs {
		byCustomer[p.CustomerID] = p.GrantIDs
	}
	assert.ElementsMatch(t, []snowflake.ID{10, 11}, byCustomer[7])
	assert.ElementsMatch(t, []snowflake.ID{12}, byCustomer[8])
}

func TestEnqueueCapTriggersImmediateFlush(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: time.Hour, MaxPending: 3})
	require.NoError(t, b.Start())
	defer b.Stop(context.Background())

	for i := snowflake.ID(1); i <= 3; i++ {
		b.Enqueue(1, "live", i, []snowflake.ID{snowflake.ID(100 + i)})
	}

	batch := q.wait(t)
	assert.Len(t, batch.Pairs, 3)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{})
	require.NoError(t, b.Start())

	b.Flush()
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 0, q.count())
}

func TestStopFlushesPending(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: time.Hour})
	require.NoError(t, b.Start())

	b.Enqueue(1, "live", 7, []snowflake.ID{10})
	require.NoError(t, b.Stop(context.Background()))

	require.Equal(t, 1, q.count())
	assert.Equal(t, 0, b.PendingPairs())
}

func TestEnqueueAfterStopIsDropped(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: time.Hour})
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop(context.Background()))

	b.Enqueue(1, "live", 7, []snowflake.ID{10})
	assert.Equal(t, 0, b.PendingPairs())
}

func TestConcurrentEnqueueAndFlush(t *testing.T) {
	q := newCaptureQueue()
	b := newBatcher(q, Config{FlushWindow: time.Millisecond})
	require.NoError(t, b.Start())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Enqueue(1, "live", snowflake.ID(w*100+i), []snowflake.ID{snowflake.ID(i)})
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, b.Stop(context.Background()))

	// Every pair lands exactly once across all flushed batches.
	seen := map[snowflake.ID]int{}
	q.mu.Lock()
	for _, batch := range q.batches {
		for _, p := range batch.Pairs {
			seen[p.CustomerID]++
		}
	}
	q.mu.Unlock()

	assert.Len(t, seen, 8*50)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "customer %d flushed %d times", id, n)
	}
}
