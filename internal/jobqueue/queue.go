// Package jobqueue carries sync batches from the batcher to the worker
// that reconciles cache mutations back into the ledger. Delivery is
// at-least-once; consumers must tolerate re-application.
package jobqueue

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Pair identifies one customer's dirty grants within a batch.
type Pair struct {
	OrgID      snowflake.ID
	Env        string
	CustomerID snowflake.ID
	GrantIDs   []snowflake.ID
}

// Batch is one flushed snapshot of the pending-pair map.
type Batch struct {
	ID          string
	SubmittedAt time.Time
	Pairs       []Pair
}

// NewBatch stamps a batch with a fresh id.
func NewBatch(pairs []Pair) Batch {
	return Batch{
		ID:          uuid.NewString(),
		SubmittedAt: time.Now().UTC(),
		Pairs:       pairs,
	}
}

// Queue hands batches to the external job system.
type Queue interface {
	Submit(ctx context.Context, batch Batch) error
}

// Handler consumes delivered batches.
type Handler func(ctx context.Context, batch Batch) error
