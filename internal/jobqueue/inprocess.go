package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBuffer     = 256
	defaultRedelivery = 3
	redeliveryDelay   = 250 * time.Millisecond
)

// InProcess is a buffered-channel Queue for single-binary deployments. A
// handler error redelivers the batch up to the retry limit, keeping the
// at-least-once contract a broker-backed queue would provide.
type InProcess struct {
	log     *zap.Logger
	handler Handler
	ch      chan Batch
	retries int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

var _ Queue = (*InProcess)(nil)

func NewInProcess(log *zap.Logger, handler Handler, buffer int) *InProcess {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &InProcess{
		log:     log.Named("jobqueue"),
		handler: handler,
		ch:      make(chan Batch, buffer),
		retries: defaultRedelivery,
	}
}

func (q *InProcess) Submit(ctx context.Context, batch Batch) error {
	select {
	case q.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InProcess) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("jobqueue already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true

	go q.run(ctx)
	return nil
}

func (q *InProcess) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InProcess) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before shutting down.
			for {
				select {
				case batch := <-q.ch:
					q.deliver(context.Background(), batch)
				default:
					return
				}
			}
		case batch := <-q.ch:
			q.deliver(ctx, batch)
		}
	}
}

func (q *InProcess) deliver(ctx context.Context, batch Batch) {
	for attempt := 0; ; attempt++ {
		err := q.handler(ctx, batch)
		if err == nil {
			return
		}
		if attempt >= q.retries {
			q.log.Error("batch dropped after redelivery attempts",
				zap.Error(err),
				zap.String("batch_id", batch.ID),
				zap.Int("pairs", len(batch.Pairs)),
			)
			return
		}
		q.log.Warn("batch redelivery",
			zap.Error(err),
			zap.String("batch_id", batch.ID),
			zap.Int("attempt", attempt+1),
		)
		select {
		case <-time.After(redeliveryDelay):
		case <-ctx.Done():
		}
	}
}
